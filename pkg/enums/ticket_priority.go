package enums

import (
	"fmt"
	"strings"
)

// TicketPriority drives SLA targets for a ticket.
type TicketPriority string

const (
	TicketPriorityLow      TicketPriority = "LOW"
	TicketPriorityMedium   TicketPriority = "MEDIUM"
	TicketPriorityHigh     TicketPriority = "HIGH"
	TicketPriorityCritical TicketPriority = "CRITICAL"
)

var validTicketPriorities = []TicketPriority{
	TicketPriorityLow,
	TicketPriorityMedium,
	TicketPriorityHigh,
	TicketPriorityCritical,
}

// String implements fmt.Stringer.
func (p TicketPriority) String() string {
	return string(p)
}

// IsValid reports whether the value is a known TicketPriority.
func (p TicketPriority) IsValid() bool {
	for _, candidate := range validTicketPriorities {
		if candidate == p {
			return true
		}
	}
	return false
}

// SLAHours returns the resolution target in hours for the priority.
// Unknown priorities fall back to the MEDIUM target.
func (p TicketPriority) SLAHours() int {
	switch p {
	case TicketPriorityCritical:
		return 4
	case TicketPriorityHigh:
		return 8
	case TicketPriorityMedium:
		return 24
	case TicketPriorityLow:
		return 72
	default:
		return 24
	}
}

// ParseTicketPriority converts raw input into a TicketPriority. Input is
// case-insensitive and trimmed.
func ParseTicketPriority(value string) (TicketPriority, error) {
	normalized := TicketPriority(strings.ToUpper(strings.TrimSpace(value)))
	for _, candidate := range validTicketPriorities {
		if candidate == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid ticket priority %q", value)
}
