package main

import (
	"context"
	"log"

	"github.com/MostProject/RoomChat/internal/bootstrap"
	"github.com/aws/aws-lambda-go/lambda"
)

var app *bootstrap.Lambda

func init() {
	var err error
	app, err = bootstrap.NewLambda(context.Background())
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
}

// $connect only acknowledges the socket; presence is recorded at login.
func main() {
	lambda.Start(app.Invoke)
}
