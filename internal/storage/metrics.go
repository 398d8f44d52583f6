package storage

import (
	"context"

	"github.com/MostProject/RoomChat/internal/observability"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// timedClient records the latency of every data-plane call as DynamoDBLatencyMs.
// DescribeTable passes through untimed.
type timedClient struct {
	DynamoDBAPI
	metrics *observability.Metrics
}

// WithMetrics times the store's DynamoDB calls into metrics and returns the store.
func (s *DynamoDBStore) WithMetrics(metrics *observability.Metrics) *DynamoDBStore {
	if metrics == nil {
		return s
	}
	s.client = &timedClient{DynamoDBAPI: s.client, metrics: metrics}
	return s
}

func (c *timedClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	defer c.metrics.Timer(observability.MetricDynamoDBLatency)()
	return c.DynamoDBAPI.GetItem(ctx, params, optFns...)
}

func (c *timedClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	defer c.metrics.Timer(observability.MetricDynamoDBLatency)()
	return c.DynamoDBAPI.PutItem(ctx, params, optFns...)
}

func (c *timedClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	defer c.metrics.Timer(observability.MetricDynamoDBLatency)()
	return c.DynamoDBAPI.DeleteItem(ctx, params, optFns...)
}

func (c *timedClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	defer c.metrics.Timer(observability.MetricDynamoDBLatency)()
	return c.DynamoDBAPI.Query(ctx, params, optFns...)
}

func (c *timedClient) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	defer c.metrics.Timer(observability.MetricDynamoDBLatency)()
	return c.DynamoDBAPI.Scan(ctx, params, optFns...)
}
