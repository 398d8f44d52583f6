package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MostProject/RoomChat/internal/config"
	"github.com/MostProject/RoomChat/internal/observability"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// SchemaAPI is what EnsureTables needs from DynamoDB
type SchemaAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

const tableWaitTimeout = 2 * time.Minute

// TableDefinitions returns the CreateTable inputs of the three chat tables.
func TableDefinitions(cfg *config.Config) []*dynamodb.CreateTableInput {
	return []*dynamodb.CreateTableInput{
		{
			TableName: aws.String(cfg.UsersRoomsTable),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String(AttrNodeID), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String(AttrTargetID), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String(AttrUserID), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(AttrNodeID), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String(AttrTargetID), KeyType: types.KeyTypeRange},
			},
			// Sparse: only user markers carry UserId
			GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
				{
					IndexName: aws.String(cfg.UsersIndex),
					KeySchema: []types.KeySchemaElement{
						{AttributeName: aws.String(AttrUserID), KeyType: types.KeyTypeHash},
					},
					Projection: &types.Projection{
						ProjectionType: types.ProjectionTypeKeysOnly,
					},
				},
			},
			BillingMode: types.BillingModePayPerRequest,
		},
		{
			TableName: aws.String(cfg.RoomsConnectionsTable),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String(AttrRoomID), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String(AttrConnectionID), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(AttrRoomID), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String(AttrConnectionID), KeyType: types.KeyTypeRange},
			},
			GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
				{
					IndexName: aws.String(cfg.ConnectionsIndex),
					KeySchema: []types.KeySchemaElement{
						{AttributeName: aws.String(AttrConnectionID), KeyType: types.KeyTypeHash},
						{AttributeName: aws.String(AttrRoomID), KeyType: types.KeyTypeRange},
					},
					Projection: &types.Projection{
						ProjectionType: types.ProjectionTypeKeysOnly,
					},
				},
			},
			BillingMode: types.BillingModePayPerRequest,
		},
		{
			TableName: aws.String(cfg.MessagesTable),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String(AttrRoomID), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String(AttrDateID), AttributeType: types.ScalarAttributeTypeN},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(AttrRoomID), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String(AttrDateID), KeyType: types.KeyTypeRange},
			},
			BillingMode: types.BillingModePayPerRequest,
		},
	}
}

// EnsureTables creates any missing chat table and waits for it to become active.
// Used by the local server against DynamoDB Local; deployed tables are provisioned
// outside the application.
func EnsureTables(ctx context.Context, client SchemaAPI, cfg *config.Config) error {
	logger := observability.FromContext(ctx)

	for _, def := range TableDefinitions(cfg) {
		name := aws.ToString(def.TableName)

		_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: def.TableName})
		if err == nil {
			logger.Debug(ctx, "Table already exists", map[string]interface{}{"table": name})
			continue
		}
		var notFound *types.ResourceNotFoundException
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to describe table %s: %w", name, err)
		}

		if _, err := client.CreateTable(ctx, def); err != nil {
			return fmt.Errorf("failed to create table %s: %w", name, err)
		}
		if err := waitActive(ctx, client, name); err != nil {
			return err
		}
		logger.Info(ctx, "Created table", map[string]interface{}{"table": name})
	}
	return nil
}

func waitActive(ctx context.Context, client SchemaAPI, table string) error {
	waiter := dynamodb.NewTableExistsWaiter(client, func(o *dynamodb.TableExistsWaiterOptions) {
		o.MinDelay = 200 * time.Millisecond
		o.MaxDelay = 3 * time.Second
	})
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}, tableWaitTimeout); err != nil {
		return fmt.Errorf("table %s did not become active: %w", table, err)
	}
	return nil
}
