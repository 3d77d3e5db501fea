package repository

import (
	"context"
	"time"

	"github.com/flexa/flexa-android-sub000/internal/domain"
)

// StateStore persists the session pointers that survive restarts. Getters
// return an empty string when nothing is stored.
type StateStore interface {
	LastSessionID(ctx context.Context) (string, error)
	SetLastSessionID(ctx context.Context, id string) error
	ClearLastSessionID(ctx context.Context) error
	LastEventID(ctx context.Context) (string, error)
	SetLastEventID(ctx context.Context, id string) error
	ClearLastEventID(ctx context.Context) error
}

// PreferenceStore holds user and device preferences.
type PreferenceStore interface {
	DeviceID(ctx context.Context) (string, error)
	SetDeviceID(ctx context.Context, id string) error
	PinnedBrands(ctx context.Context) ([]string, error)
	SetPinnedBrands(ctx context.Context, brandIDs []string) error
}

// TokenStore persists the credential and its PKCE verifier. LoadToken
// returns nil when no token is stored.
type TokenStore interface {
	LoadToken(ctx context.Context) (*domain.StoredToken, error)
	SaveToken(ctx context.Context, token domain.StoredToken) error
	DeleteToken(ctx context.Context) error
}

// BrandSessionRepository stores session correlation records. Lookups return
// domain.ErrNotFound when no row matches.
type BrandSessionRepository interface {
	Save(ctx context.Context, record domain.BrandSession) (domain.BrandSession, error)
	GetBySessionID(ctx context.Context, sessionID string) (domain.BrandSession, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
