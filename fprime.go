// fprime.go: Component messaging and scheduling kernel
//
// Copyright (c) 2025 AGILira
// Series: AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package fprime

import (
	stderrors "errors"

	"github.com/agilira/go-errors"
)

// Error codes for kernel operations
const (
	ErrCodeQueueFull           = "FPRIME_QUEUE_FULL"
	ErrCodeNotRunning          = "FPRIME_NOT_RUNNING"
	ErrCodeUnconnected         = "FPRIME_UNCONNECTED"
	ErrCodeInvalidHandle       = "FPRIME_INVALID_HANDLE"
	ErrCodeAllocationExhausted = "FPRIME_ALLOCATION_EXHAUSTED"
	ErrCodeOverrun             = "FPRIME_OVERRUN"
	ErrCodeConfiguration       = "FPRIME_CONFIGURATION"
	ErrCodeSchemaMismatch      = "FPRIME_SCHEMA_MISMATCH"
	ErrCodePayloadTooLarge     = "FPRIME_PAYLOAD_TOO_LARGE"
	ErrCodeInvalidConfig       = "FPRIME_INVALID_CONFIG"
	ErrCodeIOError             = "FPRIME_IO_ERROR"
	ErrCodeHandlerFailed       = "FPRIME_HANDLER_FAILED"
	ErrCodeHealthTimeout       = "FPRIME_HEALTH_TIMEOUT"
)

// ErrorCode returns the kernel error code carried by err, or "" when err
// carries none.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var coder errors.ErrorCoder
	if stderrors.As(err, &coder) {
		return string(coder.ErrorCode())
	}
	return ""
}

// HasCode reports whether err carries the given kernel error code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// EventLevel represents the severity of a reported kernel event
type EventLevel int

const (
	EventInfo EventLevel = iota
	EventWarn
	EventCritical
	EventFault
)

func (l EventLevel) String() string {
	switch l {
	case EventInfo:
		return "INFO"
	case EventWarn:
		return "WARN"
	case EventCritical:
		return "CRITICAL"
	case EventFault:
		return "FAULT"
	default:
		return "UNKNOWN"
	}
}

// ParseEventLevel converts a level name back to an EventLevel.
func ParseEventLevel(s string) (EventLevel, bool) {
	switch s {
	case "INFO", "info":
		return EventInfo, true
	case "WARN", "warn":
		return EventWarn, true
	case "CRITICAL", "critical":
		return EventCritical, true
	case "FAULT", "fault":
		return EventFault, true
	}
	return EventInfo, false
}

// Reporter is the observability collaborator the kernel reports to.
// Implementations must not block and must not call back into the kernel
// synchronously from ReportEvent.
type Reporter interface {
	ReportEvent(level EventLevel, event, component string, context map[string]interface{})
}

// FaultHandler is called with kernel faults (invalid buffer returns,
// overruns, handler failures). Recovery policy belongs to the deployment.
type FaultHandler func(err error, component string)

type nopReporter struct{}

func (nopReporter) ReportEvent(EventLevel, string, string, map[string]interface{}) {}

// MultiReporter fans a report out to several reporters in order.
type MultiReporter []Reporter

// ReportEvent implements Reporter
func (m MultiReporter) ReportEvent(level EventLevel, event, component string, context map[string]interface{}) {
	for _, r := range m {
		if r != nil {
			r.ReportEvent(level, event, component, context)
		}
	}
}

// Kernel event names
const (
	EventQueueDrop        = "queue_drop"
	EventQueueHookDrop    = "queue_hook_reentry_drop"
	EventInvalidHandle    = "buffer_invalid_handle"
	EventBufferExhausted  = "buffer_exhausted"
	EventBufferCleanup    = "buffer_cleanup"
	EventRateGroupOverrun = "rate_group_overrun"
	EventRateGroupSlip    = "rate_group_slip"
	EventHandlerError     = "handler_error"
	EventHandlerPanic     = "handler_panic"
	EventComponentStart   = "component_start"
	EventComponentStop    = "component_stop"
	EventHealthWarn       = "health_ping_warn"
	EventHealthFatal      = "health_ping_fatal"
	EventHealthRecovered  = "health_ping_recovered"
	EventTopologyStart    = "topology_start"
	EventTopologyStop     = "topology_stop"
)
