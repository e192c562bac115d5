package query

import "time"

// Amounts are raw 18-decimal integer strings, matching the event wire format.

// PositionResponse is a protected position, open or last closed.
type PositionResponse struct {
	Owner           string     `json:"owner"`
	Pool            string     `json:"pool"`
	Status          string     `json:"status"`
	Liquidity       string     `json:"liquidity"`
	TickLower       int32      `json:"tick_lower"`
	TickUpper       int32      `json:"tick_upper"`
	InitialTick     int32      `json:"initial_tick"`
	ProtectedAmount string     `json:"protected_amount"`
	Currency        string     `json:"currency"`
	OpenedAt        time.Time  `json:"opened_at"`
	OpenSequence    int64      `json:"open_sequence"`
	FinalTick       *int32     `json:"final_tick,omitempty"`
	ImpermanentLoss *string    `json:"impermanent_loss,omitempty"`
	Payout          *string    `json:"payout,omitempty"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
	AsOfSequence    int64      `json:"as_of_sequence"`
}

// PoolResponse is the coverage state of one pool.
type PoolResponse struct {
	Pool                 string    `json:"pool"`
	TotalCoverage        string    `json:"total_coverage"`
	UtilizedCoverage     string    `json:"utilized_coverage"`
	PremiumRate          string    `json:"premium_rate"`
	MaxPayoutPerPosition string    `json:"max_payout_per_position"`
	MaxTotalCoverage     string    `json:"max_total_coverage"`
	PremiumsCollected    string    `json:"premiums_collected"`
	CurrentTick          *int32    `json:"current_tick,omitempty"`
	LastUpdated          time.Time `json:"last_updated"`
	AsOfSequence         int64     `json:"as_of_sequence"`
}

// PayoutResponse is one executed payout.
type PayoutResponse struct {
	Sequence        int64     `json:"sequence"`
	Owner           string    `json:"owner"`
	Pool            string    `json:"pool"`
	Currency        string    `json:"currency"`
	InitialTick     int32     `json:"initial_tick"`
	FinalTick       int32     `json:"final_tick"`
	ImpermanentLoss string    `json:"impermanent_loss"`
	Payout          string    `json:"payout"`
	Timestamp       time.Time `json:"timestamp"`
}

// TickResponse is the latest known tick of a pool.
type TickResponse struct {
	Pool     string `json:"pool"`
	Tick     int32  `json:"tick"`
	Sequence int64  `json:"sequence"`
	Source   string `json:"source"` // "cache" or "projection"
}

// PremiumQuote prices coverage for liquidity against the pool's projected counters.
type PremiumQuote struct {
	Pool         string `json:"pool"`
	Liquidity    string `json:"liquidity"`
	PremiumRate  string `json:"premium_rate"`
	Premium      string `json:"premium"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool               `json:"is_healthy"`
	HashChainBreaks []int64            `json:"hash_chain_breaks,omitempty"`
	FundMismatches  []FundBalanceDrift `json:"fund_mismatches,omitempty"`
}

// FundBalanceDrift is a currency whose projected fund balance disagrees with the journal.
type FundBalanceDrift struct {
	Currency  string `json:"currency"`
	Projected string `json:"projected"`
	Journal   string `json:"journal"`
}
