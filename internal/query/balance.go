package query

// FundBalanceResponse is the protection fund balance for one currency.
type FundBalanceResponse struct {
	Currency     string `json:"currency"`
	Balance      string `json:"balance"`
	LastSequence int64  `json:"last_sequence"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Currency      string `json:"currency"`
	Amount        string `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}
