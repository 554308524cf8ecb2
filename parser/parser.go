package parser

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/s25rawlins/mev-burn-indexer/model"
)

// ParseError reports a transaction detail that could not be normalized. It is
// always record-local: the caller drops the record and continues.
type ParseError struct {
	Signature string
	Reason    string
}

func (e *ParseError) Error() string {
	if e.Signature != "" {
		return fmt.Sprintf("parse %s: %s", e.Signature, e.Reason)
	}
	return fmt.Sprintf("parse: %s", e.Reason)
}

// Parse normalizes a full transaction detail into the domain model. It is a
// pure function: the same detail always yields the same ParsedTransaction.
func Parse(detail *rpc.GetTransactionResult) (model.ParsedTransaction, error) {
	var out model.ParsedTransaction

	if detail == nil || detail.Transaction == nil {
		return out, &ParseError{Reason: "transaction envelope missing"}
	}
	if detail.Meta == nil {
		return out, &ParseError{Reason: "transaction meta missing"}
	}

	tx, err := detail.Transaction.GetTransaction()
	if err != nil {
		return out, &ParseError{Reason: fmt.Sprintf("decode transaction: %v", err)}
	}
	return parseDecoded(tx, detail)
}

// parseDecoded normalizes an already-decoded transaction against its meta.
func parseDecoded(tx *solana.Transaction, detail *rpc.GetTransactionResult) (model.ParsedTransaction, error) {
	var out model.ParsedTransaction

	if tx == nil || len(tx.Signatures) == 0 {
		return out, &ParseError{Reason: "transaction has no signatures"}
	}
	signature := tx.Signatures[0].String()

	accountKeys := resolveAccountKeys(tx, detail.Meta)
	if len(accountKeys) == 0 {
		return out, &ParseError{Signature: signature, Reason: "account key list is empty"}
	}

	meta := detail.Meta
	if len(meta.PreBalances) != len(meta.PostBalances) {
		return out, &ParseError{
			Signature: signature,
			Reason: fmt.Sprintf("native balance arrays differ in length: pre=%d post=%d",
				len(meta.PreBalances), len(meta.PostBalances)),
		}
	}

	changes, err := balanceChanges(signature, accountKeys, meta)
	if err != nil {
		return out, err
	}

	out = model.ParsedTransaction{
		Signature:      signature,
		Slot:           detail.Slot,
		Fee:            meta.Fee,
		FeePayer:       accountKeys[0].String(),
		Success:        meta.Err == nil,
		BalanceChanges: changes,
	}
	if detail.BlockTime != nil {
		t := detail.BlockTime.Time().UTC()
		out.BlockTime = &t
	}
	if meta.ComputeUnitsConsumed != nil {
		cu := *meta.ComputeUnitsConsumed
		out.ComputeUnits = &cu
	}
	return out, nil
}

// resolveAccountKeys returns the full account list the balance arrays index
// into: static message keys followed by addresses loaded from lookup tables,
// writable before readonly.
func resolveAccountKeys(tx *solana.Transaction, meta *rpc.TransactionMeta) []solana.PublicKey {
	keys := make([]solana.PublicKey, 0,
		len(tx.Message.AccountKeys)+len(meta.LoadedAddresses.Writable)+len(meta.LoadedAddresses.ReadOnly))
	keys = append(keys, tx.Message.AccountKeys...)
	keys = append(keys, meta.LoadedAddresses.Writable...)
	keys = append(keys, meta.LoadedAddresses.ReadOnly...)
	return keys
}

func balanceChanges(signature string, accountKeys []solana.PublicKey, meta *rpc.TransactionMeta) ([]model.BalanceChange, error) {
	var changes []model.BalanceChange

	// Native deltas: the pre/post arrays are parallel to the account list.
	for i := range meta.PreBalances {
		if i >= len(accountKeys) {
			break
		}
		pre := int64(meta.PreBalances[i])
		post := int64(meta.PostBalances[i])
		if pre == post {
			continue
		}
		changes = append(changes, model.BalanceChange{
			AccountAddress: accountKeys[i].String(),
			Pre:            pre,
			Post:           post,
		})
	}

	tokenChanges, err := tokenBalanceChanges(signature, accountKeys, meta)
	if err != nil {
		return nil, err
	}
	return append(changes, tokenChanges...), nil
}

type tokenKey struct {
	accountIndex uint16
	mint         string
}

type tokenPair struct {
	pre  int64
	post int64
}

func tokenBalanceChanges(signature string, accountKeys []solana.PublicKey, meta *rpc.TransactionMeta) ([]model.BalanceChange, error) {
	pairs := make(map[tokenKey]*tokenPair)

	for _, tb := range meta.PreTokenBalances {
		amount, err := tokenAmount(signature, tb)
		if err != nil {
			return nil, err
		}
		key := tokenKey{accountIndex: tb.AccountIndex, mint: tb.Mint.String()}
		pair := pairs[key]
		if pair == nil {
			pair = &tokenPair{}
			pairs[key] = pair
		}
		pair.pre = amount
	}
	for _, tb := range meta.PostTokenBalances {
		amount, err := tokenAmount(signature, tb)
		if err != nil {
			return nil, err
		}
		key := tokenKey{accountIndex: tb.AccountIndex, mint: tb.Mint.String()}
		pair := pairs[key]
		if pair == nil {
			pair = &tokenPair{}
			pairs[key] = pair
		}
		pair.post = amount
	}

	// Map iteration order is not stable; sort so output is deterministic.
	keys := make([]tokenKey, 0, len(pairs))
	for key := range pairs {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].accountIndex != keys[j].accountIndex {
			return keys[i].accountIndex < keys[j].accountIndex
		}
		return keys[i].mint < keys[j].mint
	})

	var changes []model.BalanceChange
	for _, key := range keys {
		pair := pairs[key]
		if pair.pre == pair.post {
			continue
		}
		if int(key.accountIndex) >= len(accountKeys) {
			return nil, &ParseError{
				Signature: signature,
				Reason:    fmt.Sprintf("token balance references account index %d beyond key list", key.accountIndex),
			}
		}
		mint := key.mint
		changes = append(changes, model.BalanceChange{
			AccountAddress: accountKeys[key.accountIndex].String(),
			Mint:           &mint,
			Pre:            pair.pre,
			Post:           pair.post,
		})
	}
	return changes, nil
}

func tokenAmount(signature string, tb rpc.TokenBalance) (int64, error) {
	if tb.UiTokenAmount == nil {
		return 0, nil
	}
	amount, err := strconv.ParseInt(tb.UiTokenAmount.Amount, 10, 64)
	if err != nil {
		return 0, &ParseError{
			Signature: signature,
			Reason:    fmt.Sprintf("token amount %q for mint %s is not an integer", tb.UiTokenAmount.Amount, tb.Mint),
		}
	}
	return amount, nil
}
