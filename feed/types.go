// Package feed maintains a live view of the trading backend's push data:
// open trades, dashboard aggregates and per-pair positions, streamed over a
// websocket in Socket.IO framing. The subscriber owns the connection, the
// state holds the latest payloads, and listeners receive fan-out updates.
package feed

import (
	"github.com/shopspring/decimal"
)

// Trade is a single open trade as reported by the live feed. Field names
// follow the MT5 bridge the backend sits on.
type Trade struct {
	Ticket       int64           `json:"ticket"`
	Symbol       string          `json:"symbol"`
	Type         string          `json:"type"`
	Volume       decimal.Decimal `json:"volume"`
	OpenPrice    decimal.Decimal `json:"open_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	Profit       decimal.Decimal `json:"profit"`
	OpenTime     string          `json:"open_time"`
}

// Position is an aggregated per-pair exposure.
type Position struct {
	Pair string          `json:"pair"`
	PnL  decimal.Decimal `json:"pnl"`
}

// DashboardData carries the account-level aggregates shown on the dashboard.
type DashboardData struct {
	Balance       decimal.Decimal `json:"balance"`
	Equity        decimal.Decimal `json:"equity"`
	Margin        decimal.Decimal `json:"margin"`
	FreeMargin    decimal.Decimal `json:"free_margin"`
	Profit        decimal.Decimal `json:"profit"`
	OpenPositions int             `json:"open_positions"`
}
