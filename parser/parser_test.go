package parser

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var (
	feePayerKey = testKey(1)
	otherKey    = testKey(2)
	loadedKey   = testKey(3)
	usdcMint    = testKey(9)
)

func testKey(fill byte) solana.PublicKey {
	b := bytes.Repeat([]byte{fill}, 32)
	return solana.PublicKeyFromBytes(b)
}

func testSignature(t *testing.T) solana.Signature {
	t.Helper()
	sig, err := solana.SignatureFromBytes(bytes.Repeat([]byte{7}, 64))
	if err != nil {
		t.Fatalf("build signature: %v", err)
	}
	return sig
}

func testTransaction(t *testing.T, keys ...solana.PublicKey) *solana.Transaction {
	t.Helper()
	return &solana.Transaction{
		Signatures: []solana.Signature{testSignature(t)},
		Message: solana.Message{
			AccountKeys: keys,
		},
	}
}

func testDetail(pre, post []uint64) *rpc.GetTransactionResult {
	blockTime := solana.UnixTimeSeconds(1700000000)
	computeUnits := uint64(200)
	return &rpc.GetTransactionResult{
		Slot:      100,
		BlockTime: &blockTime,
		Meta: &rpc.TransactionMeta{
			Fee:                  5000,
			PreBalances:          pre,
			PostBalances:         post,
			ComputeUnitsConsumed: &computeUnits,
		},
	}
}

func TestParseNativeBalanceChange(t *testing.T) {
	tx := testTransaction(t, feePayerKey, otherKey)
	detail := testDetail([]uint64{1000000, 500}, []uint64{994500, 500})

	parsed, err := parseDecoded(tx, detail)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if parsed.Signature != tx.Signatures[0].String() {
		t.Errorf("signature = %q, want %q", parsed.Signature, tx.Signatures[0].String())
	}
	if parsed.Slot != 100 {
		t.Errorf("slot = %d, want 100", parsed.Slot)
	}
	if parsed.Fee != 5000 {
		t.Errorf("fee = %d, want 5000", parsed.Fee)
	}
	if parsed.FeePayer != feePayerKey.String() {
		t.Errorf("fee payer = %q, want %q", parsed.FeePayer, feePayerKey.String())
	}
	if !parsed.Success {
		t.Error("expected success=true without a meta error")
	}
	if parsed.ComputeUnits == nil || *parsed.ComputeUnits != 200 {
		t.Errorf("compute units = %v, want 200", parsed.ComputeUnits)
	}

	wantTime := time.Unix(1700000000, 0).UTC()
	if parsed.BlockTime == nil || !parsed.BlockTime.Equal(wantTime) {
		t.Errorf("block time = %v, want %v", parsed.BlockTime, wantTime)
	}

	if len(parsed.BalanceChanges) != 1 {
		t.Fatalf("got %d balance changes, want 1", len(parsed.BalanceChanges))
	}
	change := parsed.BalanceChanges[0]
	if change.AccountAddress != feePayerKey.String() {
		t.Errorf("change account = %q, want fee payer", change.AccountAddress)
	}
	if change.Mint != nil {
		t.Errorf("native change carries mint %q", *change.Mint)
	}
	if change.Pre != 1000000 || change.Post != 994500 {
		t.Errorf("pre/post = %d/%d, want 1000000/994500", change.Pre, change.Post)
	}
	if change.Delta() != -5500 {
		t.Errorf("delta = %d, want -5500", change.Delta())
	}
}

func TestParseTokenBalanceChange(t *testing.T) {
	tx := testTransaction(t, feePayerKey, otherKey)
	detail := testDetail([]uint64{1000000, 500}, []uint64{994500, 500})
	detail.Meta.PreTokenBalances = []rpc.TokenBalance{
		{AccountIndex: 1, Mint: usdcMint, UiTokenAmount: &rpc.UiTokenAmount{Amount: "1000000"}},
	}
	detail.Meta.PostTokenBalances = []rpc.TokenBalance{
		{AccountIndex: 1, Mint: usdcMint, UiTokenAmount: &rpc.UiTokenAmount{Amount: "2000000"}},
	}

	parsed, err := parseDecoded(tx, detail)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parsed.BalanceChanges) != 2 {
		t.Fatalf("got %d balance changes, want 2", len(parsed.BalanceChanges))
	}

	token := parsed.BalanceChanges[1]
	if token.AccountAddress != otherKey.String() {
		t.Errorf("token change account = %q, want %q", token.AccountAddress, otherKey.String())
	}
	if token.Mint == nil || *token.Mint != usdcMint.String() {
		t.Errorf("token change mint = %v, want %q", token.Mint, usdcMint.String())
	}
	if token.Delta() != 1000000 {
		t.Errorf("token delta = %d, want 1000000", token.Delta())
	}
}

func TestParseTokenBalanceMissingSideDefaultsToZero(t *testing.T) {
	tx := testTransaction(t, feePayerKey, otherKey)
	detail := testDetail([]uint64{0, 0}, []uint64{0, 0})
	detail.Meta.PostTokenBalances = []rpc.TokenBalance{
		{AccountIndex: 1, Mint: usdcMint, UiTokenAmount: &rpc.UiTokenAmount{Amount: "42"}},
	}

	parsed, err := parseDecoded(tx, detail)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parsed.BalanceChanges) != 1 {
		t.Fatalf("got %d balance changes, want 1", len(parsed.BalanceChanges))
	}
	if parsed.BalanceChanges[0].Pre != 0 || parsed.BalanceChanges[0].Post != 42 {
		t.Errorf("pre/post = %d/%d, want 0/42",
			parsed.BalanceChanges[0].Pre, parsed.BalanceChanges[0].Post)
	}
}

func TestParseFailedTransaction(t *testing.T) {
	tx := testTransaction(t, feePayerKey, otherKey)
	detail := testDetail([]uint64{1000, 0}, []uint64{500, 0})
	detail.Meta.Err = map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}

	parsed, err := parseDecoded(tx, detail)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.Success {
		t.Error("expected success=false when meta carries an error")
	}
	if len(parsed.BalanceChanges) != 1 || parsed.BalanceChanges[0].Delta() != -500 {
		t.Errorf("expected one fee-payer change with delta -500, got %+v", parsed.BalanceChanges)
	}
}

func TestParseNoDeltasYieldsNoChanges(t *testing.T) {
	tx := testTransaction(t, feePayerKey, otherKey)
	detail := testDetail([]uint64{1000, 500}, []uint64{1000, 500})

	parsed, err := parseDecoded(tx, detail)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parsed.BalanceChanges) != 0 {
		t.Errorf("got %d balance changes, want 0", len(parsed.BalanceChanges))
	}
}

func TestParseMissingBlockTime(t *testing.T) {
	tx := testTransaction(t, feePayerKey)
	detail := testDetail([]uint64{10}, []uint64{10})
	detail.BlockTime = nil

	parsed, err := parseDecoded(tx, detail)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.BlockTime != nil {
		t.Errorf("block time = %v, want nil", parsed.BlockTime)
	}
}

func TestParseResolvesLoadedAddresses(t *testing.T) {
	tx := testTransaction(t, feePayerKey, otherKey)
	detail := testDetail([]uint64{0, 0}, []uint64{0, 0})
	detail.Meta.LoadedAddresses = rpc.LoadedAddresses{
		Writable: []solana.PublicKey{loadedKey},
	}
	detail.Meta.PostTokenBalances = []rpc.TokenBalance{
		{AccountIndex: 2, Mint: usdcMint, UiTokenAmount: &rpc.UiTokenAmount{Amount: "7"}},
	}

	parsed, err := parseDecoded(tx, detail)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parsed.BalanceChanges) != 1 {
		t.Fatalf("got %d balance changes, want 1", len(parsed.BalanceChanges))
	}
	if parsed.BalanceChanges[0].AccountAddress != loadedKey.String() {
		t.Errorf("change account = %q, want loaded address %q",
			parsed.BalanceChanges[0].AccountAddress, loadedKey.String())
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name   string
		tx     *solana.Transaction
		detail *rpc.GetTransactionResult
	}{
		{
			name:   "no signatures",
			tx:     &solana.Transaction{Message: solana.Message{AccountKeys: []solana.PublicKey{feePayerKey}}},
			detail: testDetail([]uint64{1}, []uint64{1}),
		},
		{
			name:   "empty account keys",
			tx:     &solana.Transaction{Signatures: []solana.Signature{testSignature(t)}},
			detail: testDetail(nil, nil),
		},
		{
			name:   "mismatched native arrays",
			tx:     testTransaction(t, feePayerKey, otherKey),
			detail: testDetail([]uint64{1, 2}, []uint64{1}),
		},
		{
			name: "non-integer token amount",
			tx:   testTransaction(t, feePayerKey, otherKey),
			detail: func() *rpc.GetTransactionResult {
				d := testDetail([]uint64{0, 0}, []uint64{0, 0})
				d.Meta.PostTokenBalances = []rpc.TokenBalance{
					{AccountIndex: 1, Mint: usdcMint, UiTokenAmount: &rpc.UiTokenAmount{Amount: "1.5"}},
				}
				return d
			}(),
		},
		{
			name: "token index beyond key list",
			tx:   testTransaction(t, feePayerKey),
			detail: func() *rpc.GetTransactionResult {
				d := testDetail([]uint64{0}, []uint64{0})
				d.Meta.PostTokenBalances = []rpc.TokenBalance{
					{AccountIndex: 5, Mint: usdcMint, UiTokenAmount: &rpc.UiTokenAmount{Amount: "1"}},
				}
				return d
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseDecoded(tt.tx, tt.detail)
			if err == nil {
				t.Fatal("expected an error")
			}
			var parseErr *ParseError
			if !errors.As(err, &parseErr) {
				t.Errorf("error %v is not a ParseError", err)
			}
		})
	}
}

func TestParseEnvelopeErrors(t *testing.T) {
	if _, err := Parse(nil); err == nil {
		t.Error("expected an error for nil detail")
	}
	if _, err := Parse(&rpc.GetTransactionResult{}); err == nil {
		t.Error("expected an error for missing envelope")
	}
}

func TestParseIsDeterministic(t *testing.T) {
	tx := testTransaction(t, feePayerKey, otherKey)
	detail := testDetail([]uint64{1000000, 500}, []uint64{994500, 500})
	detail.Meta.PreTokenBalances = []rpc.TokenBalance{
		{AccountIndex: 0, Mint: usdcMint, UiTokenAmount: &rpc.UiTokenAmount{Amount: "5"}},
		{AccountIndex: 1, Mint: usdcMint, UiTokenAmount: &rpc.UiTokenAmount{Amount: "10"}},
	}
	detail.Meta.PostTokenBalances = []rpc.TokenBalance{
		{AccountIndex: 0, Mint: usdcMint, UiTokenAmount: &rpc.UiTokenAmount{Amount: "6"}},
		{AccountIndex: 1, Mint: usdcMint, UiTokenAmount: &rpc.UiTokenAmount{Amount: "11"}},
	}

	first, err := parseDecoded(tx, detail)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 10; i++ {
		next, err := parseDecoded(tx, detail)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(first, next) {
			t.Fatalf("parse is not deterministic: %+v vs %+v", first, next)
		}
	}
}
