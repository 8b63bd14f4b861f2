package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/truemark/albpriority/allocator"
	"github.com/truemark/albpriority/dynamodb"
	"github.com/truemark/albpriority/elbv2"
	"github.com/truemark/albpriority/logging"
	"github.com/truemark/albpriority/postgres"
	"github.com/truemark/albpriority/priority"
)

const (
	backendDynamoDB = "dynamodb"
	backendPostgres = "postgres"
)

// store is the allocation store plus the operator-only operations.
// ListRecords returns records in ascending priority order.
type store interface {
	allocator.Store
	ListRecords(ctx context.Context, listenerID string) ([]priority.Record, error)
	Init(ctx context.Context, skipSchemaValidation bool) error
}

// tableCreator is implemented by stores that can create their table.
type tableCreator interface {
	EnsureTable(ctx context.Context) error
}

type pgFlags struct {
	host     string
	port     int
	user     string
	password string
	database string
	sslMode  string

	// Pool settings; zero keeps the pgxpool default.
	maxConns        int32
	minConns        int32
	maxConnLifetime time.Duration
	maxConnIdleTime time.Duration
}

// app holds the global flags and builds the collaborators for a command.
// openStore and openRules are replaced in tests.
type app struct {
	table    string
	region   string
	logLevel string
	backend  string
	pg       pgFlags

	logger    logging.Logger
	openStore func(ctx context.Context, a *app) (store, func(), error)
	openRules func(ctx context.Context, a *app) (allocator.RuleSource, error)
}

func newApp() *app {
	return &app{
		openStore: openStore,
		openRules: openRules,
	}
}

func (a *app) init() error {
	switch a.backend {
	case backendDynamoDB:
		if a.table == "" {
			a.table = dynamodb.DefaultTableName
		}
	case backendPostgres:
		if a.table == "" {
			a.table = postgres.DefaultTable
		}
	default:
		return fmt.Errorf("unknown backend %q (expected %s or %s)", a.backend, backendDynamoDB, backendPostgres)
	}

	if a.logger == nil {
		a.logger = logging.New(a.logLevel, os.Stderr)
	}

	return nil
}

func (a *app) awsConfig(ctx context.Context) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if a.region != "" {
		opts = append(opts, config.WithRegion(a.region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return cfg, nil
}

func openStore(ctx context.Context, a *app) (store, func(), error) {
	switch a.backend {
	case backendPostgres:
		c := postgres.New(postgresOptions(a)...)

		if err := c.Connect(ctx); err != nil {
			return nil, nil, err
		}

		return c, func() { _ = c.Close(ctx) }, nil
	default:
		cfg, err := a.awsConfig(ctx)
		if err != nil {
			return nil, nil, err
		}

		c := dynamodb.New(&cfg, a.table, dynamodb.WithLogger(a.logger))
		if err := c.Connect(); err != nil {
			return nil, nil, err
		}

		return c, func() {}, nil
	}
}

func postgresOptions(a *app) []postgres.Option {
	opts := []postgres.Option{
		postgres.WithHost(a.pg.host),
		postgres.WithPort(a.pg.port),
		postgres.WithUser(a.pg.user),
		postgres.WithPassword(a.pg.password),
		postgres.WithDatabase(a.pg.database),
		postgres.WithSSLMode(postgres.SSLMode(a.pg.sslMode)),
		postgres.WithTable(a.table),
		postgres.WithLogger(a.logger),
	}

	if a.pg.maxConns > 0 {
		opts = append(opts, postgres.WithPoolMaxConnections(a.pg.maxConns))
	}

	if a.pg.minConns > 0 {
		opts = append(opts, postgres.WithPoolMinConnections(a.pg.minConns))
	}

	if a.pg.maxConnLifetime > 0 {
		opts = append(opts, postgres.WithPoolMaxConnectionLifetime(a.pg.maxConnLifetime))
	}

	if a.pg.maxConnIdleTime > 0 {
		opts = append(opts, postgres.WithPoolMaxConnectionIdleTime(a.pg.maxConnIdleTime))
	}

	return opts
}

func openRules(ctx context.Context, a *app) (allocator.RuleSource, error) {
	cfg, err := a.awsConfig(ctx)
	if err != nil {
		return nil, err
	}

	c := elbv2.New(&cfg, elbv2.WithLogger(a.logger))
	if err := c.Connect(); err != nil {
		return nil, err
	}

	return c, nil
}

// noRules is the rule source used with --no-rules: only the store is
// consulted.
type noRules struct{}

func (noRules) ListPriorities(_ context.Context, _ string) (priority.Set, error) {
	return priority.NewSet(), nil
}
