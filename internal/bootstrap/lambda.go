// Package bootstrap wires the Lambda entrypoints. Clients are built once per
// execution environment and reused across invocations.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/MostProject/RoomChat/internal/awsclient"
	"github.com/MostProject/RoomChat/internal/config"
	"github.com/MostProject/RoomChat/internal/handlers"
	"github.com/MostProject/RoomChat/internal/observability"
	"github.com/MostProject/RoomChat/internal/services"
	"github.com/MostProject/RoomChat/internal/storage"
	"github.com/aws/aws-lambda-go/events"
)

// Lambda holds the per-environment state of a route function
type Lambda struct {
	Handler *handlers.Handler
	Metrics *observability.Metrics
	Config  *config.Config
}

// NewLambda loads configuration from the environment and builds the AWS clients.
func NewLambda(ctx context.Context) (*Lambda, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	awsCfg, err := awsclient.LoadConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	metrics := observability.NewMetrics(awsclient.NewCloudWatch(awsCfg), cfg.MetricsNamespace, cfg.Environment)
	store := storage.NewDynamoDBStore(awsclient.NewDynamoDB(awsCfg, cfg), cfg).WithMetrics(metrics)

	// The management endpoint is only known per request
	transport := func(endpoint string) services.PostToConnectionAPI {
		return awsclient.NewManagementClient(awsCfg, endpoint)
	}

	return &Lambda{
		Handler: handlers.NewHandler(store, transport, cfg, metrics),
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// Invoke handles one event and publishes the metrics it produced before returning.
func (l *Lambda) Invoke(ctx context.Context, event events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	defer l.Metrics.Flush(ctx)
	return l.Handler.Handle(ctx, event)
}
