// Package handler turns custom-resource lifecycle requests into allocator
// calls and shapes the outcome as a response. Errors never escape: every
// failure becomes a response with Success false and a Reason.
package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/truemark/albpriority/logging"
	"github.com/truemark/albpriority/priority"
)

// RequestType is the lifecycle event of the custom resource.
type RequestType string

const (
	Create RequestType = "Create"
	Update RequestType = "Update"
	Delete RequestType = "Delete"
)

// Request is a lifecycle request for one service's priority on one listener.
type Request struct {
	RequestType       RequestType `json:"requestType"`
	ListenerID        string      `json:"listenerId"`
	ServiceID         string      `json:"serviceId"`
	TableName         string      `json:"tableName"`
	PreferredPriority string      `json:"preferredPriority,omitempty"`
}

// Response is the outcome of a Request. Priority is set only for a
// successful Create or Update and is omitted from JSON otherwise.
type Response struct {
	Success            bool   `json:"success"`
	Priority           int    `json:"priority,omitempty"`
	Reason             string `json:"reason,omitempty"`
	PhysicalResourceID string `json:"physicalResourceId"`
}

// Service allocates and releases priorities. It is satisfied by
// *allocator.Allocator.
type Service interface {
	Allocate(ctx context.Context, listenerID, serviceID string, preferred int) (int, error)
	Release(ctx context.Context, listenerID, serviceID string) error
}

// Factory builds the Service backed by the named allocation table.
type Factory func(tableName string) (Service, error)

// Handler dispatches requests to a Service per allocation table. Services are
// built on first use and reused for later requests naming the same table.
type Handler struct {
	factory Factory
	logger  logging.Logger

	mu       sync.Mutex
	services map[string]Service
}

// New creates a Handler that obtains Services from factory.
func New(factory Factory, logger logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Noop()
	}

	return &Handler{
		factory:  factory,
		logger:   logger.WithField("component", "handler"),
		services: make(map[string]Service),
	}
}

// PhysicalResourceID returns the stable identifier of the custom resource
// for a service on a listener: the hex SHA-256 of "listenerID/serviceID".
func PhysicalResourceID(listenerID, serviceID string) string {
	sum := sha256.Sum256([]byte(listenerID + "/" + serviceID))
	return hex.EncodeToString(sum[:])
}

// Handle executes req and reports the outcome.
func (h *Handler) Handle(ctx context.Context, req Request) (resp Response) {
	resp.PhysicalResourceID = PhysicalResourceID(req.ListenerID, req.ServiceID)

	logger := h.logger.WithFields(map[string]any{
		"request_type": string(req.RequestType),
		"listener_id":  req.ListenerID,
		"service_id":   req.ServiceID,
		"table_name":   req.TableName,
	})

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Recovered from panic: %v", r)
			resp = failure(resp.PhysicalResourceID, fmt.Errorf("internal error: %v", r))
		}
	}()

	logger.Info("Received request")

	p, err := h.handle(ctx, logger, req)
	if err != nil {
		logger.Errorf("Request failed: %v", err)
		return failure(resp.PhysicalResourceID, err)
	}

	resp.Success = true
	resp.Priority = p

	return resp
}

func (h *Handler) handle(ctx context.Context, logger logging.Logger, req Request) (int, error) {
	if err := req.validate(); err != nil {
		return 0, err
	}

	svc, err := h.service(req.TableName)
	if err != nil {
		return 0, err
	}

	switch req.RequestType {
	case Create, Update:
		return svc.Allocate(ctx, req.ListenerID, req.ServiceID, preferredPriority(logger, req.PreferredPriority))
	case Delete:
		return 0, svc.Release(ctx, req.ListenerID, req.ServiceID)
	default:
		return 0, fmt.Errorf("unsupported request type %q", req.RequestType)
	}
}

// service returns the Service for tableName, building it on first use.
//
//nolint:ireturn
func (h *Handler) service(tableName string) (Service, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if svc, ok := h.services[tableName]; ok {
		return svc, nil
	}

	if h.factory == nil {
		return nil, errors.New("no allocator factory configured")
	}

	svc, err := h.factory(tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to create allocator for table %s: %w", tableName, err)
	}

	h.services[tableName] = svc

	return svc, nil
}

func (r Request) validate() error {
	if r.ListenerID == "" {
		return errors.New("ListenerArn is required")
	}

	if r.ServiceID == "" {
		return errors.New("ServiceIdentifier is required")
	}

	if r.TableName == "" {
		return errors.New("TableName is required")
	}

	return nil
}

// preferredPriority returns the requested preference, or zero when none was
// given or it cannot be used.
func preferredPriority(logger logging.Logger, raw string) int {
	if raw == "" {
		return 0
	}

	p, ok := priority.Parse(raw)
	if !ok {
		logger.Warnf("Ignoring unusable preferred priority %q", raw)
		return 0
	}

	return p
}

func failure(physicalResourceID string, err error) Response {
	return Response{
		Success:            false,
		Reason:             err.Error(),
		PhysicalResourceID: physicalResourceID,
	}
}
