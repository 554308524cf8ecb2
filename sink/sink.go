package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/s25rawlins/mev-burn-indexer/logging"
	"github.com/s25rawlins/mev-burn-indexer/model"
)

const (
	insertTransactionStmt = `
		INSERT INTO transactions
			(signature, slot, block_time, fee, fee_payer, success, compute_units_consumed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (signature) DO NOTHING
		RETURNING id`

	insertBalanceChangeStmt = `
		INSERT INTO account_balance_changes
			(transaction_id, account_address, mint_address, pre_balance, post_balance, balance_delta)
		VALUES ($1, $2, $3, $4, $5, $6)`
)

// Store is the single-writer Postgres sink. It owns the database handle;
// every logical write acquires the guard for its full duration, so callers
// can treat writes as serialized.
type Store struct {
	db     *sql.DB
	logger *logging.ComponentLogger

	mu sync.Mutex

	probeMu    sync.RWMutex
	lastProbe  time.Time
	probeError error
}

// Open connects to Postgres and verifies the connection with a round trip.
// The pool is pinned to a single connection; parallelism, if ever needed,
// belongs above this layer.
func Open(databaseURL string, logger *logging.ComponentLogger) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info().Msg("Connected to database")

	return &Store{
		db:     db,
		logger: logger,
	}, nil
}

// InsertTransaction inserts a single transaction row. It returns the
// generated id and true when the row is new, or (0, false) when the
// signature already exists. The ON CONFLICT gate is the idempotency anchor
// for the whole pipeline.
func (s *Store) InsertTransaction(ctx context.Context, tx model.ParsedTransaction) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertTransaction(ctx, s.db, tx)
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) insertTransaction(ctx context.Context, q execQuerier, tx model.ParsedTransaction) (int64, bool, error) {
	if tx.Slot == 0 {
		return 0, false, fatal(tx.Signature, errors.New("slot must be positive"))
	}

	var blockTime sql.NullTime
	if tx.BlockTime != nil {
		blockTime = sql.NullTime{Time: *tx.BlockTime, Valid: true}
	}
	var computeUnits sql.NullInt64
	if tx.ComputeUnits != nil {
		computeUnits = sql.NullInt64{Int64: int64(*tx.ComputeUnits), Valid: true}
	}

	var id int64
	err := q.QueryRowContext(ctx, insertTransactionStmt,
		tx.Signature, int64(tx.Slot), blockTime, int64(tx.Fee),
		tx.FeePayer, tx.Success, computeUnits,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// Duplicate signature; the conflict gate dropped the row.
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrap(tx.Signature, err)
	}
	return id, true, nil
}

// InsertBalanceChanges inserts all balance-change rows under the given
// parent transaction id. Callers needing the all-or-nothing guarantee use
// InsertCompleteTransaction, which runs both inserts in one transaction.
func (s *Store) InsertBalanceChanges(ctx context.Context, txID int64, changes []model.BalanceChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertBalanceChanges(ctx, s.db, "", txID, changes)
}

func (s *Store) insertBalanceChanges(ctx context.Context, q execQuerier, signature string, txID int64, changes []model.BalanceChange) error {
	for _, change := range changes {
		var mint sql.NullString
		if change.Mint != nil {
			mint = sql.NullString{String: *change.Mint, Valid: true}
		}
		if _, err := q.ExecContext(ctx, insertBalanceChangeStmt,
			txID, change.AccountAddress, mint,
			change.Pre, change.Post, change.Delta(),
		); err != nil {
			return wrap(signature, err)
		}
	}
	return nil
}

// InsertCompleteTransaction writes the transaction and all of its balance
// changes in one database transaction: a visible row always carries its full
// change set. Returns whether the row was new and how many change rows were
// written.
func (s *Store) InsertCompleteTransaction(ctx context.Context, tx model.ParsedTransaction) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, wrap(tx.Signature, err)
	}
	defer dbTx.Rollback()

	id, inserted, err := s.insertTransaction(ctx, dbTx, tx)
	if err != nil {
		return false, 0, err
	}
	if !inserted {
		return false, 0, nil
	}

	if err := s.insertBalanceChanges(ctx, dbTx, tx.Signature, id, tx.BalanceChanges); err != nil {
		return false, 0, err
	}

	if err := dbTx.Commit(); err != nil {
		return false, 0, wrap(tx.Signature, err)
	}
	return true, len(tx.BalanceChanges), nil
}

// Probe runs a round trip against the database and records the outcome for
// the health endpoint.
func (s *Store) Probe(ctx context.Context) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one)

	s.probeMu.Lock()
	defer s.probeMu.Unlock()
	s.probeError = err
	if err == nil {
		s.lastProbe = time.Now()
	}
	return err
}

// LastProbe returns the time of the last successful probe and the most
// recent probe error, if any.
func (s *Store) LastProbe() (time.Time, error) {
	s.probeMu.RLock()
	defer s.probeMu.RUnlock()
	return s.lastProbe, s.probeError
}

// Stats exposes the underlying pool statistics.
func (s *Store) Stats() sql.DBStats {
	return s.db.Stats()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
