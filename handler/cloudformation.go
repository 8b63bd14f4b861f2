package handler

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-lambda-go/cfn"
)

// Resource property names set by the construct on the custom resource.
const (
	PropListenerArn       = "ListenerArn"
	PropServiceIdentifier = "ServiceIdentifier"
	PropTableName         = "TableName"
	PropPreferredPriority = "PreferredPriority"

	// AttrPriority is the response data key holding the allocated priority.
	AttrPriority = "Priority"
)

// Environment variables read by the allocator Lambda and set by the construct.
const (
	EnvLogLevel    = "LOG_LEVEL"
	EnvEventsQueue = "PRIORITY_EVENTS_QUEUE"
)

// HandleCloudFormation adapts a custom-resource event to [Handler.Handle].
// The returned response always has a nil error: failures are reported with
// Status FAILED and a Reason, and Data.Priority carries the allocated
// priority as a decimal string on success.
func (h *Handler) HandleCloudFormation(ctx context.Context, event cfn.Event) (*cfn.Response, error) {
	resp := h.Handle(ctx, RequestFromEvent(event))

	out := cfn.NewResponse(&event)
	out.PhysicalResourceID = resp.PhysicalResourceID

	if !resp.Success {
		out.Status = cfn.StatusFailed
		out.Reason = resp.Reason
		return out, nil
	}

	out.Status = cfn.StatusSuccess
	out.Data = map[string]interface{}{
		AttrPriority: strconv.Itoa(resp.Priority),
	}

	return out, nil
}

// RequestFromEvent builds a Request from the event's resource properties.
func RequestFromEvent(event cfn.Event) Request {
	props := event.ResourceProperties

	return Request{
		RequestType:       requestType(event.RequestType),
		ListenerID:        stringProperty(props, PropListenerArn),
		ServiceID:         stringProperty(props, PropServiceIdentifier),
		TableName:         stringProperty(props, PropTableName),
		PreferredPriority: stringProperty(props, PropPreferredPriority),
	}
}

func requestType(t cfn.RequestType) RequestType {
	switch t {
	case cfn.RequestCreate:
		return Create
	case cfn.RequestUpdate:
		return Update
	case cfn.RequestDelete:
		return Delete
	default:
		return RequestType(t)
	}
}

// stringProperty returns props[key] as a string. CloudFormation passes every
// property as a string, but numbers are accepted for direct invocations.
func stringProperty(props map[string]interface{}, key string) string {
	switch v := props[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
