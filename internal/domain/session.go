package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionStatus is the server-side lifecycle status of a commerce session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRequested SessionStatus = "requested"
	SessionApproved  SessionStatus = "approved"
	SessionCompleted SessionStatus = "completed"
	SessionClosed    SessionStatus = "closed"
)

// TransactionStatus is the status of a transaction nested under a session.
type TransactionStatus string

const (
	TransactionRequested TransactionStatus = "requested"
	TransactionApproved  TransactionStatus = "approved"
	TransactionExpired   TransactionStatus = "expired"
	TransactionFailed    TransactionStatus = "failed"
)

// Brand is the merchant a session is opened against.
type Brand struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Logo  string `json:"logo_url,omitempty"`
	Color string `json:"color,omitempty"`
}

// Fee is the fee bundle attached to a transaction.
type Fee struct {
	Amount decimal.Decimal `json:"amount"`
	Asset  string          `json:"asset"`
	Label  string          `json:"label,omitempty"`
	Price  decimal.Decimal `json:"price,omitempty"`
}

// Transaction is one payment attempt within a commerce session.
type Transaction struct {
	ID          string            `json:"id"`
	Status      TransactionStatus `json:"status"`
	Asset       string            `json:"asset"`
	Destination string            `json:"destination"`
	Fee         Fee               `json:"fee"`
	Size        decimal.Decimal   `json:"size"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// Authorization is a manual authorization code shown to the cashier.
type Authorization struct {
	Number       string `json:"number"`
	Instructions string `json:"instructions"`
	Details      string `json:"details,omitempty"`
}

// Preferences carries the user's payment preferences for a session.
type Preferences struct {
	PaymentAsset string `json:"payment_asset"`
}

// CommerceSession is one checkout attempt between a wallet holder and a brand.
type CommerceSession struct {
	ID            string          `json:"id"`
	Status        SessionStatus   `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	UnitOfAccount string          `json:"asset"`
	Brand         Brand           `json:"brand"`
	Transactions  []Transaction   `json:"transactions"`
	Authorization *Authorization  `json:"authorization,omitempty"`
	Preferences   Preferences     `json:"preferences"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`

	// IsLegacy is derived locally from the BrandSession store.
	IsLegacy bool `json:"-"`
}

// ActiveTransaction returns the first requested/approved transaction that has
// not yet expired.
func (s CommerceSession) ActiveTransaction(now time.Time) (Transaction, bool) {
	for _, tx := range s.Transactions {
		if tx.Status != TransactionRequested && tx.Status != TransactionApproved {
			continue
		}
		if !tx.ExpiresAt.After(now) {
			continue
		}
		return tx, true
	}
	return Transaction{}, false
}

// IsClosed reports whether the session has been closed server side.
func (s CommerceSession) IsClosed() bool {
	return s.Status == SessionClosed
}

// IsCompleted reports whether the session completed.
func (s CommerceSession) IsCompleted() bool {
	return s.Status == SessionCompleted
}

// IsValid reports whether the session is open and payable.
func (s CommerceSession) IsValid(now time.Time) bool {
	if s.IsClosed() {
		return false
	}
	_, ok := s.ActiveTransaction(now)
	return ok
}

// RequiresApproval reports whether the session waits for the approval step.
func (s CommerceSession) RequiresApproval() bool {
	return s.Status == SessionRequested
}

// HasManualAuthorization reports whether a manual code can be shown.
func (s CommerceSession) HasManualAuthorization() bool {
	return s.Authorization != nil && s.Authorization.Number != ""
}

// CoveredBy reports whether the balance pays the whole session.
func (s CommerceSession) CoveredBy(balance *AccountBalance) bool {
	if balance == nil || balance.UnitOfAccount == "" {
		return false
	}
	if balance.UnitOfAccount != s.UnitOfAccount {
		return false
	}
	return balance.Amount.GreaterThanOrEqual(s.Amount)
}

// BrandSession correlates a session with its transaction and records whether
// it was started by the legacy flow.
type BrandSession struct {
	ID            int64     `json:"id"`
	SessionID     string    `json:"session_id"`
	TransactionID string    `json:"transaction_id"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Legacy        bool      `json:"legacy"`
}

// CreateSessionInput describes a locally initiated session. Amount keeps the
// decimal string exactly as entered.
type CreateSessionInput struct {
	Brand        string `json:"brand"`
	Amount       string `json:"amount"`
	Asset        string `json:"asset"`
	PaymentAsset string `json:"payment_asset,omitempty"`
}
