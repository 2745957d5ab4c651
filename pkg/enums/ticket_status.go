package enums

import (
	"fmt"
	"strings"
)

// TicketStatus is the lifecycle state of a single ticket.
type TicketStatus string

const (
	TicketStatusOpen       TicketStatus = "OPEN"
	TicketStatusInProgress TicketStatus = "IN_PROGRESS"
	TicketStatusPending    TicketStatus = "PENDING"
	TicketStatusOnHold     TicketStatus = "ON_HOLD"
	TicketStatusResolved   TicketStatus = "RESOLVED"
	TicketStatusClosed     TicketStatus = "CLOSED"
	TicketStatusReopened   TicketStatus = "REOPENED"
	TicketStatusCancelled  TicketStatus = "CANCELLED"
)

var validTicketStatuses = []TicketStatus{
	TicketStatusOpen,
	TicketStatusInProgress,
	TicketStatusPending,
	TicketStatusOnHold,
	TicketStatusResolved,
	TicketStatusClosed,
	TicketStatusReopened,
	TicketStatusCancelled,
}

// ticketStatusTransitions maps each status to the set of statuses it may move to.
// CANCELLED is a dead end.
var ticketStatusTransitions = map[TicketStatus][]TicketStatus{
	TicketStatusOpen:       {TicketStatusInProgress, TicketStatusPending, TicketStatusOnHold, TicketStatusCancelled, TicketStatusResolved},
	TicketStatusInProgress: {TicketStatusPending, TicketStatusOnHold, TicketStatusResolved, TicketStatusCancelled},
	TicketStatusPending:    {TicketStatusInProgress, TicketStatusOnHold, TicketStatusResolved, TicketStatusCancelled},
	TicketStatusOnHold:     {TicketStatusInProgress, TicketStatusPending, TicketStatusCancelled},
	TicketStatusResolved:   {TicketStatusClosed, TicketStatusReopened},
	TicketStatusClosed:     {TicketStatusReopened},
	TicketStatusReopened:   {TicketStatusInProgress, TicketStatusPending, TicketStatusOnHold, TicketStatusResolved, TicketStatusCancelled},
	TicketStatusCancelled:  {},
}

// String implements fmt.Stringer.
func (s TicketStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known TicketStatus.
func (s TicketStatus) IsValid() bool {
	for _, candidate := range validTicketStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// CanTransitionTo reports whether the status may legally move to next.
func (s TicketStatus) CanTransitionTo(next TicketStatus) bool {
	for _, candidate := range ticketStatusTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// ParseTicketStatus converts raw input into a TicketStatus. Input is
// case-insensitive and trimmed.
func ParseTicketStatus(value string) (TicketStatus, error) {
	normalized := TicketStatus(strings.ToUpper(strings.TrimSpace(value)))
	for _, candidate := range validTicketStatuses {
		if candidate == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid ticket status %q", value)
}
