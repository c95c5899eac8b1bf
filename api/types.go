package api

import "github.com/shopspring/decimal"

// envelope is the common response wrapper the backend puts around every
// payload: {"success": bool, "message": ..., "data": ...}.
type envelope[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// TradingAccount is the nested account-status block inside a user profile.
// Its shape is owned by the backend; only the fields the coordinator reads
// are modeled here.
type TradingAccount struct {
	ID               int64           `json:"id"`
	AccountNumber    string          `json:"account_number"`
	Broker           string          `json:"broker"`
	Balance          decimal.Decimal `json:"balance"`
	Equity           decimal.Decimal `json:"equity"`
	ConnectionStatus string          `json:"connection_status"`
}

// UserProfile is the /auth/me response body.
type UserProfile struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`

	// SessionID is a server-issued correlation id returned alongside the
	// profile. It is persisted and echoed back as the X-Session-ID request
	// header; it plays no part in authentication.
	SessionID string `json:"session_id"`

	TradingAccounts []TradingAccount `json:"trading_account"`
}

// loginData is the /auth/login response body.
type loginData struct {
	Token   string `json:"token"`
	Message string `json:"message"`
}
