// Package sqs publishes ALB listener rule priority allocation events to an
// AWS SQS FIFO queue.
//
// # Publisher
//
// [Publisher] implements the allocator's Notifier interface. Each committed
// allocation or release is sent as a JSON message whose MessageGroupId is the
// listener ARN, so events for one listener are delivered in order. The
// MessageDeduplicationId is a SHA-256 hash of the event fields.
//
// Create a publisher with [New] and initialise it with [Publisher.Init]:
//
//	publisher, err := sqs.New(&awsCfg, "priority-events.fifo", logger).Init(ctx)
//	if err != nil {
//	    return err
//	}
//
//	a, err := allocator.New(store, rules, allocator.WithNotifier(publisher))
//
// # Configuration
//
// [Publisher] accepts functional options that are passed to the constructor
// and take effect when [Publisher.Init] is called. See the With* functions
// for available settings and their defaults.
package sqs
