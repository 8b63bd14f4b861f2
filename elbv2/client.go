// Package elbv2 reads the rule priorities currently configured on an
// Application Load Balancer listener.
package elbv2

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	elb "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"

	"github.com/truemark/albpriority/logging"
	"github.com/truemark/albpriority/priority"
)

// defaultRulePriority is the priority string ELB reports for a listener's
// default action.
const defaultRulePriority = "default"

// API is the subset of the ELBv2 client used by [Client].
type API interface {
	DescribeRules(ctx context.Context, params *elb.DescribeRulesInput, optFns ...func(*elb.Options)) (*elb.DescribeRulesOutput, error)
}

// Client lists the live rule priorities of ALB listeners.
//
// Create a Client with [New] and call [Client.Connect] before use.
type Client struct {
	client API
	awsCfg *aws.Config
	opts   *Options
	logger logging.Logger
}

// New creates a Client from the given AWS config and options.
func New(awsCfg *aws.Config, opts ...Option) *Client {
	options := newOptions()

	for _, o := range opts {
		o(options)
	}

	return &Client{
		awsCfg: awsCfg,
		opts:   options,
	}
}

// Connect validates the options and builds the ELBv2 client.
func (c *Client) Connect() error {
	if err := c.opts.validate(); err != nil {
		return fmt.Errorf("invalid ELB options: %w", err)
	}

	if c.opts.elbAPI != nil {
		c.client = c.opts.elbAPI
	} else {
		if c.awsCfg == nil {
			return errors.New("AWS config cannot be nil")
		}

		c.client = elb.NewFromConfig(*c.awsCfg, func(o *elb.Options) {
			o.Retryer = retry.AddWithMaxBackoffDelay(o.Retryer, c.opts.apiMaxRetryBackoffDelay)
			o.Retryer = retry.AddWithMaxAttempts(o.Retryer, c.opts.apiMaxRetryAttempts)
		})
	}

	c.logger = c.opts.logger.WithField("component", "elbv2")

	return nil
}

// ListPriorities returns the numeric priorities of every rule on listenerID,
// following NextMarker until the rule list is exhausted. The default rule and
// any priority that is not an integer in range are skipped.
func (c *Client) ListPriorities(ctx context.Context, listenerID string) (priority.Set, error) {
	if c.client == nil {
		return nil, errors.New("ELB client not connected")
	}

	if listenerID == "" {
		return nil, errors.New("listener ID cannot be empty")
	}

	input := &elb.DescribeRulesInput{
		ListenerArn: aws.String(listenerID),
	}

	if c.opts.pageSize > 0 {
		input.PageSize = aws.Int32(c.opts.pageSize)
	}

	logger := c.logger.WithField("listener_id", listenerID)
	priorities := priority.NewSet()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		output, err := c.client.DescribeRules(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to describe rules for listener %s: %w", listenerID, err)
		}

		for _, rule := range output.Rules {
			raw := aws.ToString(rule.Priority)
			if raw == defaultRulePriority {
				continue
			}

			p, ok := priority.Parse(raw)
			if !ok {
				logger.Debugf("Skipping rule with priority %q", raw)
				continue
			}

			priorities.Add(p)
		}

		if aws.ToString(output.NextMarker) == "" {
			break
		}

		input.Marker = output.NextMarker
	}

	logger.Infof("Found %d priorities in use on listener", priorities.Len())

	return priorities, nil
}
