package main

import (
	"context"
	"log"

	"github.com/MostProject/RoomChat/internal/bootstrap"
	"github.com/MostProject/RoomChat/internal/observability"
	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
)

// Reusable clients initialized once at cold start
var app *bootstrap.Lambda

func init() {
	var err error
	app, err = bootstrap.NewLambda(context.Background())
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	observability.GetLogger().Info(context.Background(), "Lambda initialized", map[string]interface{}{
		"environment": app.Config.Environment,
	})
}

// handler serves the login, addRoom, join, sendMessage and getMessages routes.
func handler(ctx context.Context, event events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	// Truncate body for logging (avoid logging message contents in full)
	logBody := event.Body
	if len(logBody) > 200 {
		logBody = logBody[:200] + "..."
	}
	observability.GetLogger().Debug(observability.WithConnectionID(ctx, event.RequestContext.ConnectionID), "Inbound event", map[string]interface{}{
		"route": event.RequestContext.RouteKey,
		"body":  logBody,
	})

	return app.Invoke(ctx, event)
}

func main() {
	lambda.Start(handler)
}
