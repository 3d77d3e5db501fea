package session

import (
	"context"

	"github.com/flexa/flexa-android-sub000/internal/domain"
)

// API is the subset of the platform client the reconciler drives.
type API interface {
	GetCommerceSession(ctx context.Context, id string) (domain.CommerceSession, error)
	CreateCommerceSession(ctx context.Context, in domain.CreateSessionInput) (domain.CommerceSession, error)
	PatchCommerceSession(ctx context.Context, id, paymentAsset string) (domain.CommerceSession, error)
	CloseCommerceSession(ctx context.Context, id string) (domain.CommerceSession, error)
	ApproveCommerceSession(ctx context.Context, id string) (domain.CommerceSession, error)
	ConfirmTransaction(ctx context.Context, transactionID, signature string) error
}

// EventSource delivers server-push session events, resuming after
// lastEventID when it is set.
type EventSource interface {
	Subscribe(ctx context.Context, lastEventID string) <-chan domain.StreamEvent
}

// Host receives the side effects that leave the engine.
type Host interface {
	RequestAccountRefresh()
	RequestWalletTransaction(session domain.CommerceSession)
}

// ErrorReporter receives failures that exhausted their retry budget.
type ErrorReporter interface {
	Report(op string, err error)
}

type nopHost struct{}

func (nopHost) RequestAccountRefresh()                         {}
func (nopHost) RequestWalletTransaction(domain.CommerceSession) {}

type nopReporter struct{}

func (nopReporter) Report(string, error) {}
