package ingestion

import (
	"ILShield/internal/event"
	fpmath "ILShield/internal/math"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a typed event.Event.
// The same wire format is stored as the event log payload, so replay parses
// through here too.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch event.ParseEventType(eventType) {
	case event.EventTypeLiquidityAdded:
		return parseLiquidityAdded(raw.Data)
	case event.EventTypeLiquidityRemoved:
		return parseLiquidityRemoved(raw.Data)
	case event.EventTypeTrade:
		return parseTrade(raw.Data)
	case event.EventTypeCoverageLimitUpdate:
		return parseCoverageLimitUpdate(raw.Data)
	case event.EventTypeFundDeposit:
		return parseFundDeposit(raw.Data)
	case event.EventTypeWalletFunded:
		return parseWalletFunded(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Identifiers are hex strings, amounts are 18-decimal raw integer strings and
// timestamps are RFC 3339.

type liquidityAddedJSON struct {
	EventID   string    `json:"event_id"`
	Owner     string    `json:"owner"`
	Pool      string    `json:"pool"`
	Currency0 string    `json:"currency0"`
	Currency1 string    `json:"currency1"`
	TickLower int32     `json:"tick_lower"`
	TickUpper int32     `json:"tick_upper"`
	Tick      int32     `json:"tick"`
	Liquidity string    `json:"liquidity"`
	Amount0   string    `json:"amount0"`
	Amount1   string    `json:"amount1"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

func parseLiquidityAdded(data []byte) (*event.LiquidityAdded, error) {
	var j liquidityAddedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidityAdded: %w", err)
	}

	eventID, err := uuid.Parse(j.EventID)
	if err != nil {
		return nil, fmt.Errorf("parse event_id: %w", err)
	}
	owner, err := parseAddress("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	pool, err := parsePool(j.Pool)
	if err != nil {
		return nil, err
	}
	currency0, err := parseAddress("currency0", j.Currency0)
	if err != nil {
		return nil, err
	}
	currency1, err := parseAddress("currency1", j.Currency1)
	if err != nil {
		return nil, err
	}
	liquidity, err := parseAmount("liquidity", j.Liquidity)
	if err != nil {
		return nil, err
	}
	amount0, err := parseAmount("amount0", j.Amount0)
	if err != nil {
		return nil, err
	}
	amount1, err := parseAmount("amount1", j.Amount1)
	if err != nil {
		return nil, err
	}

	return &event.LiquidityAdded{
		EventID:   eventID,
		Owner:     owner,
		Pool:      pool,
		Currency0: currency0,
		Currency1: currency1,
		TickLower: j.TickLower,
		TickUpper: j.TickUpper,
		Tick:      j.Tick,
		Liquidity: liquidity,
		Amount0:   amount0,
		Amount1:   amount1,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

type liquidityRemovedJSON struct {
	EventID   string    `json:"event_id"`
	Owner     string    `json:"owner"`
	Pool      string    `json:"pool"`
	Tick      int32     `json:"tick"`
	Liquidity string    `json:"liquidity"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

func parseLiquidityRemoved(data []byte) (*event.LiquidityRemoved, error) {
	var j liquidityRemovedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidityRemoved: %w", err)
	}

	eventID, err := uuid.Parse(j.EventID)
	if err != nil {
		return nil, fmt.Errorf("parse event_id: %w", err)
	}
	owner, err := parseAddress("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	pool, err := parsePool(j.Pool)
	if err != nil {
		return nil, err
	}
	liquidity, err := parseAmount("liquidity", j.Liquidity)
	if err != nil {
		return nil, err
	}

	return &event.LiquidityRemoved{
		EventID:   eventID,
		Owner:     owner,
		Pool:      pool,
		Tick:      j.Tick,
		Liquidity: liquidity,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

type tradeJSON struct {
	TradeID   string    `json:"trade_id"`
	Pool      string    `json:"pool"`
	Tick      int32     `json:"tick"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

func parseTrade(data []byte) (*event.Trade, error) {
	var j tradeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Trade: %w", err)
	}

	tradeID, err := uuid.Parse(j.TradeID)
	if err != nil {
		return nil, fmt.Errorf("parse trade_id: %w", err)
	}
	pool, err := parsePool(j.Pool)
	if err != nil {
		return nil, err
	}

	return &event.Trade{
		TradeID:   tradeID,
		Pool:      pool,
		Tick:      j.Tick,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

type coverageLimitJSON struct {
	RequestID            string    `json:"request_id"`
	Caller               string    `json:"caller"`
	Pool                 string    `json:"pool"`
	MaxPayoutPerPosition string    `json:"max_payout_per_position"`
	MaxTotalCoverage     string    `json:"max_total_coverage"`
	Sequence             int64     `json:"sequence"`
	Timestamp            time.Time `json:"timestamp"`
}

func parseCoverageLimitUpdate(data []byte) (*event.CoverageLimitUpdate, error) {
	var j coverageLimitJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CoverageLimitUpdate: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	caller, err := parseAddress("caller", j.Caller)
	if err != nil {
		return nil, err
	}
	pool, err := parsePool(j.Pool)
	if err != nil {
		return nil, err
	}
	maxPayout, err := parseAmount("max_payout_per_position", j.MaxPayoutPerPosition)
	if err != nil {
		return nil, err
	}
	maxTotal, err := parseAmount("max_total_coverage", j.MaxTotalCoverage)
	if err != nil {
		return nil, err
	}

	return &event.CoverageLimitUpdate{
		RequestID:            requestID,
		Caller:               caller,
		Pool:                 pool,
		MaxPayoutPerPosition: maxPayout,
		MaxTotalCoverage:     maxTotal,
		Sequence:             j.Sequence,
		Timestamp:            j.Timestamp,
	}, nil
}

type fundDepositJSON struct {
	DepositID string    `json:"deposit_id"`
	Currency  string    `json:"currency"`
	Amount    string    `json:"amount"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

func parseFundDeposit(data []byte) (*event.FundDeposit, error) {
	var j fundDepositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse FundDeposit: %w", err)
	}

	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	currency, err := parseAddress("currency", j.Currency)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}

	return &event.FundDeposit{
		DepositID: depositID,
		Currency:  currency,
		Amount:    amount,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

type walletFundedJSON struct {
	FundingID string    `json:"funding_id"`
	Owner     string    `json:"owner"`
	Currency  string    `json:"currency"`
	Amount    string    `json:"amount"`
	Allowance string    `json:"allowance"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

func parseWalletFunded(data []byte) (*event.WalletFunded, error) {
	var j walletFundedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WalletFunded: %w", err)
	}

	fundingID, err := uuid.Parse(j.FundingID)
	if err != nil {
		return nil, fmt.Errorf("parse funding_id: %w", err)
	}
	owner, err := parseAddress("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	currency, err := parseAddress("currency", j.Currency)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	allowance, err := parseAmount("allowance", j.Allowance)
	if err != nil {
		return nil, err
	}

	return &event.WalletFunded{
		FundingID: fundingID,
		Owner:     owner,
		Currency:  currency,
		Amount:    amount,
		Allowance: allowance,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

// --- Field helpers ---

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("parse %s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parsePool(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("parse pool: invalid pool id %q", s)
	}
	return common.BytesToHash(b), nil
}

// parseAmount reads a raw 18-decimal integer; an absent amount is zero.
func parseAmount(field, s string) (fpmath.Decimal, error) {
	if s == "" {
		return fpmath.Zero, nil
	}
	d, err := fpmath.ParseRaw(s)
	if err != nil {
		return fpmath.Zero, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}
