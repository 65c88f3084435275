package backtest

import (
	"encoding/json"
	"time"
)

const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)

// RunConfig snapshots the parameters of one backtest so it can be replayed.
type RunConfig struct {
	Strategy       string  `json:"strategy"`
	Symbol         string  `json:"symbol"`
	Timeframe      string  `json:"timeframe"`
	StartTS        int64   `json:"start_ts"`
	EndTS          int64   `json:"end_ts"`
	InitialBalance float64 `json:"initial_balance"`
	Notes          string  `json:"notes,omitempty"`
}

// Run is one backtest job and its outcome.
type Run struct {
	ID             string    `json:"id"`
	Strategy       string    `json:"strategy"`
	Symbol         string    `json:"symbol"`
	Timeframe      string    `json:"timeframe"`
	Status         string    `json:"status"`
	StartTS        int64     `json:"start_ts"`
	EndTS          int64     `json:"end_ts"`
	InitialBalance float64   `json:"initial_balance"`
	FinalBalance   float64   `json:"final_balance"`
	Message        string    `json:"message"`
	Config         RunConfig `json:"config"`
	Metrics        Metrics   `json:"metrics"`
	NumTrades      int       `json:"num_trades"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	CompletedAt    time.Time `json:"completed_at"`
}

// MarshalConfig returns the config snapshot JSON.
func (r Run) MarshalConfig() ([]byte, error) {
	return json.Marshal(r.Config)
}

// MarshalMetrics returns the metrics JSON.
func (r Run) MarshalMetrics() ([]byte, error) {
	return json.Marshal(r.Metrics)
}

// Result is the full outcome of one completed run.
type Result struct {
	Run     Run           `json:"run"`
	Trades  []Trade       `json:"trades"`
	Equity  []EquityPoint `json:"equity_curve"`
	Metrics Metrics       `json:"metrics"`
}
