package storage

import "fmt"

// MediaStatus is the lifecycle state of a MediaItem.
type MediaStatus string

const (
	StatusDiscovered      MediaStatus = "discovered"
	StatusPendingApproval MediaStatus = "pending_approval"
	StatusProcessing      MediaStatus = "processing"
	StatusReady           MediaStatus = "ready"
	StatusPublished       MediaStatus = "published"
	StatusFailed          MediaStatus = "failed"
	StatusRejected        MediaStatus = "rejected"
)

// AllMediaStatuses lists every status in lifecycle order.
var AllMediaStatuses = []MediaStatus{
	StatusDiscovered,
	StatusPendingApproval,
	StatusProcessing,
	StatusReady,
	StatusPublished,
	StatusFailed,
	StatusRejected,
}

// ParseMediaStatus converts s into a MediaStatus, rejecting unknown values.
func ParseMediaStatus(s string) (MediaStatus, error) {
	st := MediaStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown media status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the known statuses.
func (s MediaStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s MediaStatus) Terminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// transitions is the complete lifecycle graph. Every known status has an
// entry, including terminal ones with no outgoing edges.
var transitions = map[MediaStatus][]MediaStatus{
	StatusDiscovered:      {StatusPendingApproval, StatusProcessing, StatusRejected},
	StatusPendingApproval: {StatusProcessing, StatusRejected},
	StatusProcessing:      {StatusReady, StatusPublished, StatusFailed},
	StatusReady:           {StatusPublished, StatusFailed},
	StatusFailed:          {StatusProcessing},
	StatusPublished:       {},
	StatusRejected:        {},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to MediaStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
