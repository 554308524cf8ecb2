package model

import "time"

// ParsedTransaction is the normalized form of one on-chain transaction as it
// flows from the parser to the sink. Instances are passed by value and never
// mutated after construction.
type ParsedTransaction struct {
	Signature      string
	Slot           uint64
	BlockTime      *time.Time
	Fee            uint64
	FeePayer       string
	Success        bool
	ComputeUnits   *uint64
	BalanceChanges []BalanceChange
}

// BalanceChange records one account's pre/post balance for a single asset
// within a transaction. A nil Mint denotes the native asset (lamports).
type BalanceChange struct {
	AccountAddress string
	Mint           *string
	Pre            int64
	Post           int64
}

// Delta returns the signed balance movement. The sink stores this value
// denormalized alongside Pre and Post.
func (b BalanceChange) Delta() int64 {
	return b.Post - b.Pre
}
