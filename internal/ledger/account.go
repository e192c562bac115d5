package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeOwner AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Owner sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types
	SubTypeProtectionFund

	// External sub-types
	SubTypeExternalDeposits
)

// AccountKey is the in-memory key for balance tracking. Currency is the token
// address the balance is denominated in.
type AccountKey struct {
	Scope    AccountScope
	EntityID common.Address // owner address; zero for system and external accounts
	SubType  AccountSubType
	Currency common.Address
}

func NewWalletAccountKey(owner, currency common.Address) AccountKey {
	return AccountKey{
		Scope:    AccountScopeOwner,
		EntityID: owner,
		SubType:  SubTypeWallet,
		Currency: currency,
	}
}

func NewProtectionFundAccountKey(currency common.Address) AccountKey {
	return AccountKey{
		Scope:    AccountScopeSystem,
		SubType:  SubTypeProtectionFund,
		Currency: currency,
	}
}

func NewExternalAccountKey(currency common.Address) AccountKey {
	return AccountKey{
		Scope:    AccountScopeExternal,
		SubType:  SubTypeExternalDeposits,
		Currency: currency,
	}
}

// Contra reports whether the account's balance grows on credit. External
// boundary accounts count what has entered the system.
func (k AccountKey) Contra() bool {
	return k.Scope == AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeOwner:
		return fmt.Sprintf("owner:%s:%s:%s", k.EntityID.Hex(), k.subTypeName(), k.Currency.Hex())
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), k.Currency.Hex())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), k.Currency.Hex())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeProtectionFund:
		return "protection_fund"
	case SubTypeExternalDeposits:
		return "deposits"
	default:
		return "unknown"
	}
}
