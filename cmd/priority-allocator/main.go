// Command priority-allocator is the Lambda behind the PriorityAllocator
// custom resource. It allocates a listener rule priority on Create and
// Update and releases it on Delete.
//
// Environment:
//
//	LOG_LEVEL              logrus level name (default "info")
//	PRIORITY_EVENTS_QUEUE  optional SQS FIFO queue receiving allocation events
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/truemark/albpriority/allocator"
	"github.com/truemark/albpriority/dynamodb"
	"github.com/truemark/albpriority/elbv2"
	"github.com/truemark/albpriority/handler"
	"github.com/truemark/albpriority/logging"
	"github.com/truemark/albpriority/sqs"
)

func main() {
	logger := logging.New(logLevel(os.Getenv), os.Stdout)

	h, err := newHandler(context.Background(), os.Getenv, logger)
	if err != nil {
		logger.Errorf("Failed to start priority allocator: %v", err)
		os.Exit(1)
	}

	lambda.Start(onEvent(h))
}

// newHandler wires the rule source, the optional event publisher and the
// per-table store factory. It runs once per cold start.
func newHandler(ctx context.Context, getenv func(string) string, logger logging.Logger) (*handler.Handler, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	rules := elbv2.New(&awsCfg, elbv2.WithLogger(logger))
	if err := rules.Connect(); err != nil {
		return nil, err
	}

	var notifier allocator.Notifier

	if queue := getenv(handler.EnvEventsQueue); queue != "" {
		publisher, err := sqs.New(&awsCfg, queue, logger).Init(ctx)
		if err != nil {
			return nil, err
		}

		notifier = publisher
	}

	return handler.New(storeFactory(&awsCfg, rules, notifier, logger), logger), nil
}

// storeFactory returns a handler.Factory building a DynamoDB-backed
// allocator for each table name.
func storeFactory(awsCfg *aws.Config, rules allocator.RuleSource, notifier allocator.Notifier, logger logging.Logger) handler.Factory {
	return func(tableName string) (handler.Service, error) {
		store := dynamodb.New(awsCfg, tableName, dynamodb.WithLogger(logger))
		if err := store.Connect(); err != nil {
			return nil, err
		}

		opts := []allocator.Option{allocator.WithLogger(logger)}
		if notifier != nil {
			opts = append(opts, allocator.WithNotifier(notifier))
		}

		return allocator.New(store, rules, opts...)
	}
}

// onEvent adapts the handler to the custom-resource provider framework,
// which reports a deployment failure only when the handler returns an error.
func onEvent(h *handler.Handler) func(context.Context, cfn.Event) (*cfn.Response, error) {
	return func(ctx context.Context, event cfn.Event) (*cfn.Response, error) {
		resp, err := h.HandleCloudFormation(ctx, event)
		if err != nil {
			return nil, err
		}

		if resp.Status == cfn.StatusFailed {
			return nil, errors.New(resp.Reason)
		}

		return resp, nil
	}
}

// logLevel returns the configured log level, "info" when unset.
func logLevel(getenv func(string) string) string {
	if v := getenv(handler.EnvLogLevel); v != "" {
		return v
	}
	return "info"
}
