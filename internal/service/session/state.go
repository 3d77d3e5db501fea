package session

import "github.com/flexa/flexa-android-sub000/internal/domain"

// State is the reconciler's view of the current session lifecycle.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateCreating
	StatePending
	StateApprovalRequired
	StateAuthorizationReady
	StateCompleted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateCreating:
		return "creating"
	case StatePending:
		return "pending"
	case StateApprovalRequired:
		return "approval_required"
	case StateAuthorizationReady:
		return "authorization_ready"
	case StateCompleted:
		return "completed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is the published view of the reconciler.
type Snapshot struct {
	// Session is the current session, nil when none is tracked.
	Session *domain.CommerceSession `json:"session,omitempty"`
	// Completed holds the most recent session that reached completion. A
	// completed next-gen session is no longer current but stays visible here.
	Completed       *domain.CommerceSession `json:"completed,omitempty"`
	State           State                   `json:"state"`
	InProgress      bool                    `json:"in_progress"`
	TimeoutPrompt   bool                    `json:"timeout_prompt"`
	PatchInProgress bool                    `json:"patch_in_progress"`
}
