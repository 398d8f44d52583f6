package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
)

// Environment variable names
const (
	EnvUsersRoomsTable       = "USERS_ROOMS_TABLE"
	EnvRoomsConnectionsTable = "ROOMS_CONNECTIONS_TABLE"
	EnvMessagesTable         = "MESSAGES_TABLE"
	EnvUsersIndex            = "USERS_INDEX"
	EnvConnectionsIndex      = "CONNECTIONS_INDEX"
	EnvMessagesPageSize      = "MESSAGES_PAGE_SIZE"
	EnvRegion                = "AWS_REGION"
	EnvDynamoDBEndpoint      = "DYNAMODB_ENDPOINT"
	EnvMetricsNamespace      = "METRICS_NAMESPACE"
	EnvEnvironment           = "ENVIRONMENT"
	EnvServiceName           = "SERVICE_NAME"
	EnvLogLevel              = "LOG_LEVEL"
	EnvWSPort                = "WS_PORT"
	EnvHealthPort            = "HEALTH_PORT"
)

const (
	DefaultUsersRoomsTable       = "roomchat-users-rooms"
	DefaultRoomsConnectionsTable = "roomchat-rooms-connections"
	DefaultMessagesTable         = "roomchat-messages"
	DefaultUsersIndex            = "UserId-index"
	DefaultConnectionsIndex      = "ConnectionId-index"
	DefaultMessagesPageSize      = 20
	DefaultRegion                = "us-east-1"
	DefaultMetricsNamespace      = "RoomChat"
)

// Config holds the table layout and runtime settings shared by every entrypoint.
type Config struct {
	UsersRoomsTable       string
	RoomsConnectionsTable string
	MessagesTable         string
	UsersIndex            string
	ConnectionsIndex      string
	MessagesPageSize      int

	Region           string
	DynamoDBEndpoint string // empty means the regional AWS endpoint

	MetricsNamespace string
	Environment      string
	ServiceName      string
	LogLevel         string

	// Local development server only
	WSPort     string
	HealthPort string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	pageSize, err := getEnvInt(EnvMessagesPageSize, DefaultMessagesPageSize)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		UsersRoomsTable:       getEnv(EnvUsersRoomsTable, DefaultUsersRoomsTable),
		RoomsConnectionsTable: getEnv(EnvRoomsConnectionsTable, DefaultRoomsConnectionsTable),
		MessagesTable:         getEnv(EnvMessagesTable, DefaultMessagesTable),
		UsersIndex:            getEnv(EnvUsersIndex, DefaultUsersIndex),
		ConnectionsIndex:      getEnv(EnvConnectionsIndex, DefaultConnectionsIndex),
		MessagesPageSize:      pageSize,
		Region:                getEnv(EnvRegion, DefaultRegion),
		DynamoDBEndpoint:      os.Getenv(EnvDynamoDBEndpoint),
		MetricsNamespace:      getEnv(EnvMetricsNamespace, DefaultMetricsNamespace),
		Environment:           getEnv(EnvEnvironment, "dev"),
		ServiceName:           getEnv(EnvServiceName, "roomchat"),
		LogLevel:              getEnv(EnvLogLevel, "info"),
		WSPort:                getEnv(EnvWSPort, "1738"),
		HealthPort:            getEnv(EnvHealthPort, "8080"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every table and index name is set and that the page
// size fits a DynamoDB query limit. Errors are reported in declaration order.
func (c *Config) Validate() error {
	var errs []error
	required := []struct {
		key, value string
	}{
		{EnvUsersRoomsTable, c.UsersRoomsTable},
		{EnvRoomsConnectionsTable, c.RoomsConnectionsTable},
		{EnvMessagesTable, c.MessagesTable},
		{EnvUsersIndex, c.UsersIndex},
		{EnvConnectionsIndex, c.ConnectionsIndex},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, fmt.Errorf("config: %s must not be empty", r.key))
		}
	}
	switch {
	case c.MessagesPageSize <= 0:
		errs = append(errs, fmt.Errorf("config: %s must be positive, got %d", EnvMessagesPageSize, c.MessagesPageSize))
	case c.MessagesPageSize > math.MaxInt32:
		errs = append(errs, fmt.Errorf("config: %s must be at most %d, got %d", EnvMessagesPageSize, math.MaxInt32, c.MessagesPageSize))
	}
	return errors.Join(errs...)
}

// getEnv reads an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}
