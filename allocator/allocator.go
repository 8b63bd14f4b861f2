package allocator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/truemark/albpriority/logging"
	"github.com/truemark/albpriority/priority"
)

// MaxRetries is the number of lost conditional-insert races tolerated by the
// lowest-available scan of a single allocation.
const MaxRetries = 10

var (
	// ErrRetriesExhausted is returned when the scan loses MaxRetries races.
	ErrRetriesExhausted = fmt.Errorf("failed to allocate priority after %d retries due to race conditions", MaxRetries)

	// ErrNoPriorityAvailable is returned when every priority in range is in use.
	ErrNoPriorityAvailable = fmt.Errorf("no available priorities found (all %d in use)", priority.Max)
)

// Store is the durable record of which service holds which priority on which
// listener. The dynamodb and postgres packages provide implementations.
type Store interface {
	// FindByService returns the priority held by serviceID on listenerID.
	FindByService(ctx context.Context, listenerID, serviceID string) (int, bool, error)

	// ListPriorities returns every valid priority recorded for listenerID.
	ListPriorities(ctx context.Context, listenerID string) (priority.Set, error)

	// TryInsert claims p for serviceID. It returns false, without error, if
	// the priority is already recorded.
	TryInsert(ctx context.Context, listenerID, serviceID string, p int) (bool, error)

	// Delete removes the record for p on listenerID.
	Delete(ctx context.Context, listenerID string, p int) error
}

// RuleSource reports the rule priorities configured on a live listener.
type RuleSource interface {
	ListPriorities(ctx context.Context, listenerID string) (priority.Set, error)
}

// Notifier receives allocation events.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// EventType identifies what happened to an allocation.
type EventType string

const (
	EventAllocated EventType = "Allocated"
	EventReleased  EventType = "Released"
)

// Event describes a committed allocation or release.
type Event struct {
	Type       EventType `json:"type"`
	ListenerID string    `json:"listenerId"`
	ServiceID  string    `json:"serviceId"`
	Priority   int       `json:"priority"`
	Attempts   int       `json:"attempts,omitempty"`
	Time       time.Time `json:"time"`
}

// Allocator assigns listener rule priorities. It holds no per-request state
// and is safe for concurrent use.
type Allocator struct {
	store  Store
	rules  RuleSource
	opts   *Options
	logger logging.Logger
}

// New creates an Allocator backed by store and rules.
func New(store Store, rules RuleSource, opts ...Option) (*Allocator, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}

	if rules == nil {
		return nil, errors.New("rule source cannot be nil")
	}

	options := newOptions()

	for _, o := range opts {
		o(options)
	}

	if err := options.validate(); err != nil {
		return nil, fmt.Errorf("invalid allocator options: %w", err)
	}

	return &Allocator{
		store:  store,
		rules:  rules,
		opts:   options,
		logger: options.logger.WithField("component", "allocator"),
	}, nil
}

// Allocate returns the priority held by serviceID on listenerID, claiming one
// if the service holds none. A preferred value of zero or less means no
// preference; a preference outside [priority.Min, priority.Max] is ignored.
func (a *Allocator) Allocate(ctx context.Context, listenerID, serviceID string, preferred int) (int, error) {
	if listenerID == "" {
		return 0, errors.New("listener ID cannot be empty")
	}

	if serviceID == "" {
		return 0, errors.New("service ID cannot be empty")
	}

	logger := a.logger.WithField("listener_id", listenerID).WithField("service_id", serviceID)

	existing, found, err := a.store.FindByService(ctx, listenerID, serviceID)
	if err != nil {
		return 0, fmt.Errorf("failed to look up existing allocation: %w", err)
	}

	if found {
		logger.Infof("Service already holds priority %d", existing)
		return existing, nil
	}

	used, err := a.usedPriorities(ctx, listenerID)
	if err != nil {
		return 0, err
	}

	logger.Infof("Total priorities in use: %d [%s]", used.Len(), used.Preview(10))

	p, ok, err := a.claimPreferred(ctx, logger, listenerID, serviceID, preferred, used)
	if err != nil {
		return 0, err
	}

	attempts := 1

	if !ok {
		var lost int

		p, lost, err = a.claimLowest(ctx, listenerID, serviceID, used)
		if err != nil {
			logger.WithField("lost_races", lost).Errorf("Allocation failed: %v", err)
			return 0, err
		}

		attempts = lost + 1
	}

	logger.WithField("priority", p).Info("Allocated priority")

	a.notify(ctx, logger, Event{
		Type:       EventAllocated,
		ListenerID: listenerID,
		ServiceID:  serviceID,
		Priority:   p,
		Attempts:   attempts,
	})

	return p, nil
}

// Release removes the allocation held by serviceID on listenerID. It is a
// no-op if the service holds none.
func (a *Allocator) Release(ctx context.Context, listenerID, serviceID string) error {
	if listenerID == "" {
		return errors.New("listener ID cannot be empty")
	}

	if serviceID == "" {
		return errors.New("service ID cannot be empty")
	}

	logger := a.logger.WithField("listener_id", listenerID).WithField("service_id", serviceID)

	p, found, err := a.store.FindByService(ctx, listenerID, serviceID)
	if err != nil {
		return fmt.Errorf("failed to look up allocation to release: %w", err)
	}

	if !found {
		logger.Info("No priority held by service, nothing to release")
		return nil
	}

	if err := a.store.Delete(ctx, listenerID, p); err != nil {
		return fmt.Errorf("failed to release priority %d: %w", p, err)
	}

	logger.WithField("priority", p).Info("Released priority")

	a.notify(ctx, logger, Event{
		Type:       EventReleased,
		ListenerID: listenerID,
		ServiceID:  serviceID,
		Priority:   p,
	})

	return nil
}

// usedPriorities reads the store and the live listener concurrently and
// returns the union of both.
func (a *Allocator) usedPriorities(ctx context.Context, listenerID string) (priority.Set, error) {
	var fromRules, fromStore priority.Set

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s, err := a.rules.ListPriorities(gctx, listenerID)
		if err != nil {
			return fmt.Errorf("failed to list listener rule priorities: %w", err)
		}

		fromRules = s

		return nil
	})

	g.Go(func() error {
		s, err := a.store.ListPriorities(gctx, listenerID)
		if err != nil {
			return fmt.Errorf("failed to list recorded priorities: %w", err)
		}

		fromStore = s

		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return fromRules.Union(fromStore), nil
}

// claimPreferred tries to claim the preferred priority. It reports false when
// there is no usable preference or the claim was lost.
func (a *Allocator) claimPreferred(ctx context.Context, logger logging.Logger, listenerID, serviceID string, preferred int, used priority.Set) (int, bool, error) {
	if preferred <= 0 {
		return 0, false, nil
	}

	if !priority.Valid(preferred) {
		logger.Warnf("Ignoring preferred priority %d outside [%d, %d]", preferred, priority.Min, priority.Max)
		return 0, false, nil
	}

	if used.Has(preferred) {
		logger.Infof("Preferred priority %d is already in use, finding next available", preferred)
		return 0, false, nil
	}

	ok, err := a.store.TryInsert(ctx, listenerID, serviceID, preferred)
	if err != nil {
		return 0, false, fmt.Errorf("failed to claim preferred priority %d: %w", preferred, err)
	}

	if !ok {
		logger.Infof("Preferred priority %d was taken concurrently, finding next available", preferred)
		return 0, false, nil
	}

	return preferred, true, nil
}

// claimLowest claims the lowest priority absent from used. It returns the
// claimed priority and the number of races lost along the way.
func (a *Allocator) claimLowest(ctx context.Context, listenerID, serviceID string, used priority.Set) (int, int, error) {
	lost := 0

	for p := priority.Min; p <= priority.Max; p++ {
		if used.Has(p) {
			continue
		}

		if err := ctx.Err(); err != nil {
			return 0, lost, err
		}

		ok, err := a.store.TryInsert(ctx, listenerID, serviceID, p)
		if err != nil {
			return 0, lost, fmt.Errorf("failed to claim priority %d: %w", p, err)
		}

		if ok {
			return p, lost, nil
		}

		lost++

		if lost >= MaxRetries {
			return 0, lost, ErrRetriesExhausted
		}
	}

	return 0, lost, ErrNoPriorityAvailable
}

func (a *Allocator) notify(ctx context.Context, logger logging.Logger, event Event) {
	if a.opts.notifier == nil {
		return
	}

	event.Time = a.opts.clock().UTC()

	if err := a.opts.notifier.Notify(ctx, event); err != nil {
		logger.Warnf("Failed to publish %s event: %v", event.Type, err)
	}
}
