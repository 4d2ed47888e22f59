// Package audit provides an append-only trail of operator and device
// mutations.
package audit

import (
	"fmt"
	"time"
)

// Actor identifies who performed an audited operation.
type Actor string

const (
	ActorOperator Actor = "operator"
	ActorDevice   Actor = "device"
	ActorPublic   Actor = "public"
)

// Event represents one auditable mutation.
type Event struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Actor      Actor     `json:"actor"`
	Operation  string    `json:"operation"`
	DeviceID   string    `json:"device_id,omitempty"`
	OverrideID int64     `json:"override_id,omitempty"`
	PlanID     int64     `json:"plan_id,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	ClientIP   string    `json:"client_ip,omitempty"`
}

// Filter defines criteria for querying audit events.
type Filter struct {
	Actor       Actor
	Operation   string
	DeviceID    string
	StartTime   time.Time
	EndTime     time.Time
	FailureOnly bool
	Limit       int
	Offset      int
}

// NewEvent creates a new audit event.
func NewEvent(actor Actor, operation string) *Event {
	return &Event{
		ID:        generateID(),
		Timestamp: time.Now(),
		Actor:     actor,
		Operation: operation,
	}
}

// WithDevice sets the device the operation targets.
func (e *Event) WithDevice(deviceID string) *Event {
	e.DeviceID = deviceID
	return e
}

// WithOverride sets the override id the operation produced or touched.
func (e *Event) WithOverride(id int64) *Event {
	e.OverrideID = id
	return e
}

// WithPlan sets the config plan id the operation produced.
func (e *Event) WithPlan(id int64) *Event {
	e.PlanID = id
	return e
}

// WithClientIP records the remote address of the caller.
func (e *Event) WithClientIP(ip string) *Event {
	e.ClientIP = ip
	return e
}

// WithSuccess marks the event as successful.
func (e *Event) WithSuccess() *Event {
	e.Success = true
	return e
}

// WithError marks the event as failed.
func (e *Event) WithError(err error) *Event {
	e.Success = false
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

func generateID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
