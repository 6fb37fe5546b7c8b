package license

import (
	"slices"
)

// Transition represents a valid status change.
type Transition struct {
	From Status
	To   Status
}

// validTransitions defines all allowed status changes.
var validTransitions = map[Transition]bool{
	{StatusActive, StatusGrace}:     true, // Expired, grace period started
	{StatusActive, StatusRevoked}:   true, // Grace period elapsed between sweeps
	{StatusGrace, StatusRevoked}:    true, // Grace period ended
	{StatusActive, StatusActive}:    true, // Renewal before expiry
	{StatusGrace, StatusActive}:     true, // Renewal during grace
	{StatusRevoked, StatusActive}:   true, // Renewal or admin restore
	{StatusActive, StatusCancelled}: true, // Admin cancellation
	{StatusGrace, StatusCancelled}:  true, // Admin cancellation
}

// CanTransition checks if a change from one status to another is valid.
func CanTransition(from, to Status) bool {
	return validTransitions[Transition{from, to}]
}

// ValidTransitionsFrom returns all valid target statuses from the given status.
func ValidTransitionsFrom(from Status) []Status {
	targets := make([]Status, 0)
	for t := range validTransitions {
		if t.From == from {
			targets = append(targets, t.To)
		}
	}

	slices.Sort(targets)
	return targets
}
