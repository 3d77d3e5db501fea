package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is the authenticated user's account (GET /accounts/me).
type Account struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Email      string          `json:"email,omitempty"`
	Status     string          `json:"status,omitempty"`
	Balance    *AccountBalance `json:"balance,omitempty"`
	JoinedAt   time.Time       `json:"created,omitempty"`
	Restricted bool            `json:"restricted,omitempty"`
}

// AccountBalance is the spendable internal balance of an account.
type AccountBalance struct {
	Amount        decimal.Decimal `json:"amount"`
	UnitOfAccount string          `json:"asset"`
}

// AvailableAsset is one spendable asset the host wallet holds.
type AvailableAsset struct {
	Asset   string          `json:"asset"`
	Balance decimal.Decimal `json:"balance"`
	Label   string          `json:"label,omitempty"`
}

// AppAccount is a wallet account the host registers with the platform.
type AppAccount struct {
	AccountID       string           `json:"account_id"`
	DisplayName     string           `json:"display_name,omitempty"`
	AvailableAssets []AvailableAsset `json:"available_assets"`
}

// AppAccountsPage is the response of PUT /accounts/me/app_accounts. Date
// comes from the response Date header.
type AppAccountsPage struct {
	HasMore bool         `json:"has_more"`
	Data    []AppAccount `json:"data"`
	Date    time.Time    `json:"-"`
}

// Asset is a supported funding asset.
type Asset struct {
	ID        string `json:"id"`
	Symbol    string `json:"symbol"`
	Name      string `json:"display_name"`
	Icon      string `json:"icon_url,omitempty"`
	Color     string `json:"color,omitempty"`
	Livemode  bool   `json:"livemode"`
	ObjectTyp string `json:"object,omitempty"`
}

// Page is a cursor-paginated list envelope.
type Page[T any] struct {
	HasMore bool `json:"has_more"`
	Data    []T  `json:"data"`
}

// Quote is the asset converter response.
type Quote struct {
	Amount        decimal.Decimal `json:"amount"`
	Asset         string          `json:"asset"`
	UnitOfAccount string          `json:"unit_of_account"`
	Value         QuoteValue      `json:"value"`
	Fee           QuoteFee        `json:"fee"`
	ExpiresAt     time.Time       `json:"expires_at,omitempty"`
}

// QuoteValue is the converted amount and exchange rate.
type QuoteValue struct {
	Amount decimal.Decimal `json:"amount"`
	Rate   decimal.Decimal `json:"rate"`
	Label  string          `json:"label,omitempty"`
}

// QuoteFee is the network fee for a quote.
type QuoteFee struct {
	Amount decimal.Decimal `json:"amount"`
	Asset  string          `json:"asset"`
	Label  string          `json:"label,omitempty"`
}
