package core

import (
	"ILShield/internal/event"
	"ILShield/internal/ledger"
	fpmath "ILShield/internal/math"
	"ILShield/internal/observability"
	"ILShield/internal/state"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// ErrNoTickReported is returned by CurrentTick when the event being
// processed carries no tick for the requested pool.
var ErrNoTickReported = errors.New("no tick reported for pool")

// globalCheckInterval is how many sequences pass between full checks that,
// per currency, funds held inside the ledger equal funds that entered it.
const globalCheckInterval = 1000

// CoreConfig parameterizes a DeterministicCore.
type CoreConfig struct {
	StartSequence      int64
	AdminAddress       common.Address
	DefaultMaxCoverage fpmath.Decimal // zero selects fpmath.DefaultMaxCoverage
	LRUCapacity        int
}

// DeterministicCore is the single-threaded event processor. It owns all
// protection state and is the only goroutine that mutates it.
type DeterministicCore struct {
	sequence          int64
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	transfers         *ledger.TransferLedger
	validator         *ledger.InvariantValidator
	positions         *state.PositionLedger
	pools             *state.CoverageAccountant
	prices            *state.PriceTracker
	engine            *ProtectionEngine
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	// tick carried by the liquidity notification being processed
	notified notifiedTick
	// notifications emitted by the event being processed
	pending []event.Notification

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

type notifiedTick struct {
	pool common.Hash
	tick int32
	set  bool
}

// PositionChange describes the position opened or closed by an event.
type PositionChange struct {
	Position        *state.Position
	Closed          bool
	FinalTick       int32
	ImpermanentLoss fpmath.Decimal
	Payout          fpmath.Decimal
}

// CoreOutput is everything downstream workers need from one applied event.
type CoreOutput struct {
	Envelope      *event.EventEnvelope
	Batch         *ledger.Batch // nil when no funds moved
	Notifications []event.Notification
	Position      *PositionChange
	Pool          *state.ProtectionPool
	Tick          *state.PoolTick
	FundBalances  map[common.Address]fpmath.Decimal
	StateDelta    []byte
}

func NewDeterministicCore(
	cfg CoreConfig,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *DeterministicCore {
	balanceTracker := ledger.NewBalanceTracker()
	positions := state.NewPositionLedger(state.NewMemoryPositionStore())
	pools := state.NewCoverageAccountant(cfg.DefaultMaxCoverage)
	prices := state.NewPriceTracker()

	capacity := cfg.LRUCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}

	c := &DeterministicCore{
		sequence:          cfg.StartSequence,
		hasher:            NewStateHasher(),
		balanceTracker:    balanceTracker,
		transfers:         ledger.NewTransferLedger(balanceTracker),
		validator:         ledger.NewInvariantValidator(balanceTracker),
		positions:         positions,
		pools:             pools,
		prices:            prices,
		idempotency:       NewIdempotencyChecker(capacity, dbChecker, metrics, logger),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		logger:            logger,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
	c.engine = NewProtectionEngine(positions, pools, prices, c, c.transfers, AdminAuthorizer{Admin: cfg.AdminAddress}, c, logger)
	return c
}

// CurrentTick answers the engine's fresh tick reads with the tick carried by
// the liquidity notification being processed.
func (c *DeterministicCore) CurrentTick(pool common.Hash) (int32, error) {
	if c.notified.set && c.notified.pool == pool {
		return c.notified.tick, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrNoTickReported, pool.Hex())
}

// Emit buffers a notification for the event being processed.
func (c *DeterministicCore) Emit(n event.Notification) {
	c.pending = append(c.pending, n)
}

// ProcessEvent is the main processing pipeline. A rejected event leaves no
// state behind, is not persisted and is not marked processed, so a corrected
// resubmission with the same key is accepted.
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	if c.idempotency.IsDuplicate(eventType, idempotencyKey) {
		c.reject(eventType, "duplicate")
		return nil
	}

	// Step 2: Stale trades are acknowledged and dropped
	if trade, ok := evt.(*event.Trade); ok && !c.sequenceValidator.AcceptTrade(trade.Pool, trade.Sequence) {
		c.reject(eventType, "stale")
		return nil
	}

	// Step 3: Dispatch
	timestamp := evt.OccurredAt()
	c.transfers.BeginBatch(idempotencyKey, c.sequence, timestamp)
	c.pending = nil
	c.notified = notifiedTick{}

	change, err := c.dispatchEvent(evt)
	batch := c.transfers.FinishBatch()
	if err != nil {
		reason := RejectionReason(err)
		c.reject(eventType, reason)
		c.logger.Warn().
			Err(err).
			Str("event_type", eventType).
			Str("idempotency_key", idempotencyKey).
			Str("reason", reason).
			Msg("event rejected")
		return fmt.Errorf("dispatch failed: %w", err)
	}

	// Step 4: Post-checks
	if err := c.postCheckInvariants(batch); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 5: Envelope and state hash
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	stateDigest := c.computeStateDigest(evt, batch)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		PoolID:         evt.PoolID(),
		Timestamp:      timestamp,
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:      envelope,
		Batch:         batch,
		Notifications: c.pending,
		Position:      change,
		StateDelta:    stateDigest,
	}
	c.attachProjectionState(evt, batch, &output)
	c.pending = nil

	// Step 6: Emit outputs. Persistence blocks (backpressure); projection
	// drops on a full channel and catches up from the event log.
	if c.persistChan != nil {
		c.persistChan <- output
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("projection").Inc()
			}
		}
	}

	// Step 7: Mark as processed
	c.idempotency.MarkProcessed(eventType, idempotencyKey)
	c.sequence++

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.recordDomainMetrics(output)
	}

	return nil
}

func (c *DeterministicCore) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (c *DeterministicCore) dispatchEvent(evt event.Event) (*PositionChange, error) {
	switch e := evt.(type) {
	case *event.LiquidityAdded:
		c.notified = notifiedTick{pool: e.Pool, tick: e.Tick, set: true}
		pos, err := c.engine.OnLiquidityAdded(e, c.sequence)
		if err != nil {
			return nil, err
		}
		return &PositionChange{Position: pos}, nil

	case *event.LiquidityRemoved:
		c.notified = notifiedTick{pool: e.Pool, tick: e.Tick, set: true}
		closed, err := c.engine.OnLiquidityRemoved(e)
		if err != nil {
			return nil, err
		}
		return &PositionChange{
			Position:        closed.Position,
			Closed:          true,
			FinalTick:       closed.FinalTick,
			ImpermanentLoss: closed.ImpermanentLoss,
			Payout:          closed.Payout,
		}, nil

	case *event.Trade:
		return nil, c.engine.OnTrade(e)

	case *event.CoverageLimitUpdate:
		return nil, c.engine.SetCoverageLimits(e)

	case *event.FundDeposit:
		if e.Amount.IsZero() {
			return nil, fmt.Errorf("fund deposit %s: amount is zero", e.DepositID)
		}
		return nil, c.transfers.DepositToFund(e.Currency, e.Amount)

	case *event.WalletFunded:
		return nil, c.transfers.CreditWallet(e.Owner, e.Currency, e.Amount, e.Allowance)

	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

// postCheckInvariants validates invariants after an event is applied
func (c *DeterministicCore) postCheckInvariants(batch *ledger.Batch) error {
	if batch != nil {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			return fmt.Errorf("batch at seq %d: %w", c.sequence, err)
		}
	}

	if c.sequence > 0 && c.sequence%globalCheckInterval == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("global balance at seq %d: %w", c.sequence, err)
		}
	}
	return nil
}

// computeStateDigest creates canonical bytes for the state hash: every
// account touched by the batch, then the pool, tick and position the event
// addressed.
func (c *DeterministicCore) computeStateDigest(evt event.Event, batch *ledger.Batch) []byte {
	digest := make([]byte, 0, 512)
	digest = append(digest, byte(evt.EventType()))

	if batch != nil {
		affected := make(map[ledger.AccountKey]bool)
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
		accounts := make([]ledger.AccountKey, 0, len(affected))
		for key := range affected {
			accounts = append(accounts, key)
		}
		sort.Slice(accounts, func(i, j int) bool {
			return accounts[i].AccountPath() < accounts[j].AccountPath()
		})

		for _, key := range accounts {
			path := key.AccountPath()
			balance := c.balanceTracker.GetBalance(key).Raw().Bytes32()
			digest = append(digest, byte(len(path)))
			digest = append(digest, path...)
			digest = append(digest, balance[:]...)
		}
	}

	if pool := evt.PoolID(); pool != nil {
		if p, ok := c.pools.Get(*pool); ok {
			digest = append(digest, p.CanonicalBytes()...)
		}
		if tick, ok := c.prices.Current(*pool); ok {
			digest = append(digest, byte(tick>>24), byte(tick>>16), byte(tick>>8), byte(tick))
		}
	}

	if key, ok := positionKeyOf(evt); ok {
		if pos, open := c.positions.Get(key); open {
			digest = append(digest, 1)
			digest = append(digest, pos.CanonicalBytes()...)
		} else {
			digest = append(digest, 0)
		}
	}

	return digest
}

func positionKeyOf(evt event.Event) (state.PositionKey, bool) {
	switch e := evt.(type) {
	case *event.LiquidityAdded:
		return state.PositionKey{Owner: e.Owner, Pool: e.Pool}, true
	case *event.LiquidityRemoved:
		return state.PositionKey{Owner: e.Owner, Pool: e.Pool}, true
	}
	return state.PositionKey{}, false
}

// attachProjectionState copies the post-event state that projections mirror.
func (c *DeterministicCore) attachProjectionState(evt event.Event, batch *ledger.Batch, out *CoreOutput) {
	if pool := evt.PoolID(); pool != nil {
		if p, ok := c.pools.Get(*pool); ok {
			out.Pool = &p
		}
		if tick, ok := c.prices.Current(*pool); ok {
			out.Tick = &state.PoolTick{Pool: *pool, Tick: tick}
		}
	}

	if batch != nil {
		out.FundBalances = make(map[common.Address]fpmath.Decimal)
		for _, j := range batch.Journals {
			out.FundBalances[j.Currency] = c.balanceTracker.GetFundBalance(j.Currency)
		}
	}
}

func (c *DeterministicCore) recordDomainMetrics(out CoreOutput) {
	for _, n := range out.Notifications {
		switch v := n.(type) {
		case event.CoveragePurchased:
			c.metrics.CoveragePurchased.Inc()
			c.metrics.PremiumsCollected.WithLabelValues(v.Currency.Hex()).Add(v.Premium.Float64())
		case event.PayoutExecuted:
			c.metrics.PayoutsExecuted.Inc()
			c.metrics.PayoutsAmount.WithLabelValues(v.Currency.Hex()).Add(v.Amount.Float64())
		}
	}
	if out.Position != nil && out.Position.Closed && out.Position.Payout.Lt(out.Position.ImpermanentLoss) {
		c.metrics.PayoutsClamped.Inc()
	}
	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
	if out.Pool != nil {
		pool := out.Pool.Pool.Hex()
		c.metrics.PoolTotalCoverage.WithLabelValues(pool).Set(out.Pool.TotalCoverage.Float64())
		c.metrics.PoolUtilizedCoverage.WithLabelValues(pool).Set(out.Pool.UtilizedCoverage.Float64())
	}
	for currency, balance := range out.FundBalances {
		c.metrics.FundBalance.WithLabelValues(currency.Hex()).Set(balance.Float64())
	}
	c.metrics.OpenPositions.Set(float64(len(c.positions.All())))
}

// --- Snapshot Restore & Startup Methods ---

// BalanceEntry is one account balance in a snapshot.
type BalanceEntry struct {
	Account ledger.AccountKey `json:"account"`
	Balance fpmath.Decimal    `json:"balance"`
}

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64                  `json:"sequence"`
	StateHash       [32]byte               `json:"state_hash"`
	Balances        []BalanceEntry         `json:"balances"`
	Allowances      []ledger.Allowance     `json:"allowances"`
	Positions       []*state.Position      `json:"positions"`
	Pools           []state.ProtectionPool `json:"pools"`
	Ticks           []state.PoolTick       `json:"ticks"`
	TradeSequences  map[common.Hash]int64  `json:"trade_sequences"`
	IdempotencyKeys []string               `json:"idempotency_keys"`
}

// RestoreFromSnapshot loads a snapshot; events after snap.Sequence are then replayed.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)

	for _, entry := range snap.Balances {
		c.balanceTracker.SetBalance(entry.Account, entry.Balance)
	}
	for _, a := range snap.Allowances {
		c.transfers.SetAllowance(a.Owner, a.Currency, a.Amount)
	}
	for _, pos := range snap.Positions {
		c.positions.Restore(pos)
	}
	for _, pool := range snap.Pools {
		c.pools.Restore(pool)
	}
	for _, t := range snap.Ticks {
		c.prices.Update(t.Pool, t.Tick)
	}
	for pool, seq := range snap.TradeSequences {
		c.sequenceValidator.RestorePartition(pool, seq)
	}
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// SetDBChecker installs the Postgres dedup tier. Recovery replays the log
// without it, since every logged key is already present in Postgres.
func (c *DeterministicCore) SetDBChecker(dbChecker DBIdempotencyChecker) {
	c.idempotency.dbChecker = dbChecker
}

// GetSequence returns the next sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	balances := c.balanceTracker.Snapshot()
	entries := make([]BalanceEntry, 0, len(balances))
	for key, balance := range balances {
		entries = append(entries, BalanceEntry{Account: key, Balance: balance})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Account.AccountPath() < entries[j].Account.AccountPath()
	})

	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Balances:        entries,
		Allowances:      c.transfers.Allowances(),
		Positions:       c.positions.All(),
		Pools:           c.pools.All(),
		Ticks:           c.prices.All(),
		TradeSequences:  c.sequenceValidator.Partitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}

// --- Read access for tests and the admin surface ---

func (c *DeterministicCore) Position(owner common.Address, pool common.Hash) (*state.Position, bool) {
	return c.positions.Get(state.PositionKey{Owner: owner, Pool: pool})
}

func (c *DeterministicCore) Pool(pool common.Hash) (state.ProtectionPool, bool) {
	return c.pools.Get(pool)
}

func (c *DeterministicCore) FundBalance(currency common.Address) fpmath.Decimal {
	return c.transfers.FundBalance(currency)
}

func (c *DeterministicCore) WalletBalance(owner, currency common.Address) fpmath.Decimal {
	return c.transfers.WalletBalance(owner, currency)
}
