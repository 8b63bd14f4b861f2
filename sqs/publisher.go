package sqs

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/truemark/albpriority/allocator"
	"github.com/truemark/albpriority/logging"
)

type sqsClient interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Publisher sends allocation events to an SQS FIFO queue. It implements
// [allocator.Notifier].
//
// Create a Publisher with [New], then call [Publisher.Init] once before any
// other method. Init is not thread-safe; Notify is safe for concurrent use
// after Init returns.
type Publisher struct {
	client      sqsClient
	queueName   string
	queueURL    string
	awsCfg      *aws.Config
	opts        *Options
	logger      logging.Logger
	initialized bool
}

// New creates a Publisher for the named SQS FIFO queue. The queue name must
// end with ".fifo"; this constraint is enforced by [Publisher.Init].
//
// The logger is automatically enriched with "component" and "queue_name"
// fields.
func New(awsCfg *aws.Config, queueName string, logger logging.Logger, opts ...Option) *Publisher {
	options := newOptions()

	for _, o := range opts {
		o(options)
	}

	if logger == nil {
		logger = logging.Noop()
	}

	logger = logger.
		WithField("component", "sqs").
		WithField("queue_name", queueName)

	return &Publisher{
		awsCfg:    awsCfg,
		queueName: queueName,
		opts:      options,
		logger:    logger,
	}
}

// Init validates options and resolves the queue URL via GetQueueUrl. It
// returns the receiver so that initialization can be chained with [New]:
//
//	publisher, err := sqs.New(&awsCfg, "priority-events.fifo", logger).Init(ctx)
//
// Init is idempotent.
func (p *Publisher) Init(ctx context.Context) (*Publisher, error) {
	if p.initialized {
		return p, nil
	}

	if !strings.HasSuffix(p.queueName, ".fifo") {
		return nil, errors.New("the SQS queue must be a FIFO queue (the name must end with .fifo)")
	}

	if err := p.opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid SQS options: %w", err)
	}

	// Use injected client if provided (for testing), otherwise create real client
	if p.opts.sqsClient != nil {
		p.client = p.opts.sqsClient
	} else {
		if p.awsCfg == nil {
			return nil, errors.New("AWS config cannot be nil")
		}

		p.client = sqs.NewFromConfig(*p.awsCfg, func(o *sqs.Options) {
			o.Retryer = retry.AddWithMaxBackoffDelay(o.Retryer, p.opts.sqsAPIMaxRetryBackoffDelay)
			o.Retryer = retry.AddWithMaxAttempts(o.Retryer, p.opts.sqsAPIMaxRetryAttempts)
		})
	}

	resp, err := p.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(p.queueName)})
	if err != nil {
		return nil, fmt.Errorf("failed to get SQS queue URL for %s: %w", p.queueName, err)
	}

	p.queueURL = aws.ToString(resp.QueueUrl)
	p.initialized = true

	return p, nil
}

// Name returns the SQS queue name supplied to [New].
func (p *Publisher) Name() string {
	return p.queueName
}

// Notify publishes event as a JSON message. Events for the same listener
// share a message group, so consumers see them in commit order. The
// deduplication ID is derived from the event contents, which makes a retried
// send of the same event a no-op within the SQS deduplication window.
func (p *Publisher) Notify(ctx context.Context, event allocator.Event) error {
	if !p.initialized {
		return errors.New("SQS publisher not initialized")
	}

	if event.ListenerID == "" {
		return errors.New("event listener ID cannot be empty")
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.Type, err)
	}

	groupID := event.ListenerID
	dedupID := hash(string(event.Type), event.ListenerID, event.ServiceID, strconv.Itoa(event.Priority), event.Time.UTC().Format(time.RFC3339Nano))
	msg := string(body)

	input := &sqs.SendMessageInput{
		QueueUrl:               &p.queueURL,
		MessageGroupId:         &groupID,
		MessageDeduplicationId: &dedupID,
		MessageBody:            &msg,
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.sendTimeout)
	defer cancel()

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("failed to send SQS message: %w", err)
	}

	p.logger.WithField("listener_id", event.ListenerID).
		WithField("service_id", event.ServiceID).
		Debugf("Published %s event for priority %d", event.Type, event.Priority)

	return nil
}

func hash(input ...string) string {
	h := sha256.New()

	for _, s := range input {
		h.Write([]byte(s))
		h.Write([]byte{0}) // null byte delimiter to prevent hash collisions
	}

	bs := h.Sum(nil)

	return base64.URLEncoding.EncodeToString(bs)
}
