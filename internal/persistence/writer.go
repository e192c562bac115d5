package persistence

import (
	"ILShield/internal/event"
	"ILShield/internal/ledger"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes events and journals to Postgres using multi-row INSERTs.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	PoolID         *string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// JournalRow represents a row in event_log.journal. Amount is the raw
// 18-decimal integer stored as NUMERIC(78,0).
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Currency      string
	Amount        string
	JournalType   int32
	Timestamp     int64
}

// NewEventRow converts an applied envelope into its event log row.
func NewEventRow(env *event.EventEnvelope) EventRow {
	var poolID *string
	if env.PoolID != nil {
		s := env.PoolID.Hex()
		poolID = &s
	}

	// [32]byte arrays become []byte slices for the driver
	stateHash := env.StateHash
	prevHash := env.PrevHash

	return EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		PoolID:         poolID,
		Payload:        env.Payload,
		StateHash:      stateHash[:],
		PrevHash:       prevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}
}

// NewJournalRows converts a batch into journal rows. A nil batch yields none.
func NewJournalRows(batch *ledger.Batch) []JournalRow {
	if batch == nil {
		return nil
	}
	rows := make([]JournalRow, 0, len(batch.Journals))
	for _, j := range batch.Journals {
		rows = append(rows, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Currency:      j.Currency.Hex(),
			Amount:        j.Amount.RawString(),
			JournalType:   int32(j.JournalType),
			Timestamp:     j.Timestamp,
		})
	}
	return rows
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of events to event_log.events using multi-row INSERT.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, events []EventRow, ex execer) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, pool_id, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*9)

	for i, e := range events {
		values = append(values, placeholders(i*9, 9))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.PoolID,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, journals []JournalRow, ex execer) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, currency, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*10)

	for i, j := range journals {
		values = append(values, placeholders(i*10, 10))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Currency, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for k := 1; k <= n; k++ {
		if k > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+k)
	}
	b.WriteByte(')')
	return b.String()
}
