package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go/rpc"

	"github.com/s25rawlins/mev-burn-indexer/enrichment"
	"github.com/s25rawlins/mev-burn-indexer/logging"
	"github.com/s25rawlins/mev-burn-indexer/metrics"
	"github.com/s25rawlins/mev-burn-indexer/model"
	"github.com/s25rawlins/mev-burn-indexer/parser"
	"github.com/s25rawlins/mev-burn-indexer/sink"
	"github.com/s25rawlins/mev-burn-indexer/stream"
)

const (
	maxBackoffDelay    = 5 * time.Minute
	maxBackoffExponent = 9 // 2^9 s would exceed the cap
	defaultGraceWindow = 10 * time.Second
)

// recordRetryDelays is the bounded per-record schedule applied to transient
// enrichment and sink failures.
var recordRetryDelays = []time.Duration{
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
}

// StreamSource is one live subscription as the loop consumes it.
type StreamSource interface {
	Next() (stream.Notification, error)
	Close() error
}

// Dialer opens a new subscription. The loop owns reconnection; the dialer
// only ever produces a fresh stream.
type Dialer func(ctx context.Context) (StreamSource, error)

// Enricher fetches full transaction detail by signature.
type Enricher interface {
	GetTransaction(ctx context.Context, signature string) (*rpc.GetTransactionResult, error)
}

// Writer commits a parsed transaction with its balance changes.
type Writer interface {
	InsertCompleteTransaction(ctx context.Context, tx model.ParsedTransaction) (bool, int, error)
}

// Loop supervises the subscription lifecycle and drives every notification
// through enrichment, parsing and the sink. Per-signature processing is
// serialized; a failing record never stops the stream.
type Loop struct {
	dial          Dialer
	enricher      Enricher
	store         Writer
	metrics       *metrics.Metrics
	logger        *logging.ComponentLogger
	includeFailed bool

	// GraceWindow bounds how long an in-flight record may run during
	// shutdown.
	GraceWindow time.Duration

	// sleep and parse are injectable so tests can run the state machine
	// without real delays or wire-encoded transaction details.
	sleep func(ctx context.Context, d time.Duration) bool
	parse func(detail *rpc.GetTransactionResult) (model.ParsedTransaction, error)

	attempt  int
	lastSlot uint64

	mu           sync.RWMutex
	inBackoff    bool
	backoffSince time.Time
}

// New builds an ingestion loop over the given ports.
func New(dial Dialer, enricher Enricher, store Writer, m *metrics.Metrics, includeFailed bool, logger *logging.ComponentLogger) *Loop {
	return &Loop{
		dial:          dial,
		enricher:      enricher,
		store:         store,
		metrics:       m,
		logger:        logger,
		includeFailed: includeFailed,
		GraceWindow:   defaultGraceWindow,
		sleep:         sleepContext,
		parse:         parser.Parse,
	}
}

// BackoffDelay returns the reconnect delay after the given number of
// consecutive failed connects: min(2^attempt seconds, 5 minutes).
func BackoffDelay(attempt int) time.Duration {
	if attempt >= maxBackoffExponent {
		return maxBackoffDelay
	}
	return time.Second << uint(attempt)
}

// InBackoffSince reports when the loop entered its current reconnect
// stretch; false while a subscription is live.
func (l *Loop) InBackoffSince() (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.backoffSince, l.inBackoff
}

// Run drives the state machine until the context is cancelled. The only
// error it returns is a credential rejection on the very first connect;
// every other failure is absorbed by reconnect supervision.
func (l *Loop) Run(ctx context.Context) error {
	firstConnect := true

	for {
		if ctx.Err() != nil {
			return nil
		}

		if !firstConnect {
			l.metrics.StreamReconnections.Inc()
		}

		source, err := l.dial(ctx)
		if err != nil {
			if firstConnect && stream.IsAuthError(err) {
				return fmt.Errorf("credential rejected on initial connect: %w", err)
			}
			firstConnect = false
			l.logger.Warn().
				Err(err).
				Int("attempt", l.attempt).
				Msg("Failed to connect stream")
			l.metrics.Errors.Inc()
			if !l.backoff(ctx) {
				return nil
			}
			continue
		}
		firstConnect = false
		l.clearBackoff()
		l.metrics.StreamConnected.Set(1)
		l.logger.Info().Msg("Stream connected")

		err = l.consume(ctx, source)
		source.Close()
		l.metrics.StreamConnected.Set(0)

		if ctx.Err() != nil {
			return nil
		}

		l.logger.Warn().Err(err).Msg("Stream closed, will reconnect")
		l.metrics.Errors.Inc()
		if !l.backoff(ctx) {
			return nil
		}
	}
}

// consume reads the subscription until it fails, processing notifications
// one at a time in arrival order.
func (l *Loop) consume(ctx context.Context, source StreamSource) error {
	for {
		notification, err := source.Next()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Only a stream that actually delivers counts as recovered; a
		// connection severed before its first notification keeps the
		// backoff schedule growing.
		l.attempt = 0
		l.process(ctx, notification)
	}
}

// process runs the per-signature span: enrich, parse, gate, write. Every
// failure is contained here; the stream keeps flowing.
func (l *Loop) process(ctx context.Context, n stream.Notification) {
	start := time.Now()
	if n.Slot > l.lastSlot {
		l.lastSlot = n.Slot
		l.metrics.LastObservedSlot.Set(float64(n.Slot))
	}

	logger := l.logger.With().
		Str("signature", n.Signature).
		Uint64("slot", n.Slot).
		Logger()

	// Detach from shutdown cancellation so an in-flight record finishes
	// within the grace window instead of aborting mid-write.
	procCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.GraceWindow)
	defer cancel()

	detail, err := l.fetchWithRetry(procCtx, n.Signature)
	if err != nil {
		logger.Error().Err(err).Msg("Enrichment failed")
		l.metrics.TransactionsFailed.Inc()
		l.metrics.Errors.Inc()
		return
	}

	parsed, err := l.parse(detail)
	if err != nil {
		logger.Error().Err(err).Msg("Parse failed")
		l.metrics.TransactionsFailed.Inc()
		l.metrics.Errors.Inc()
		return
	}

	if !parsed.Success && !l.includeFailed {
		logger.Debug().Msg("Dropping failed transaction")
		return
	}

	inserted, changes, err := l.writeWithRetry(procCtx, parsed)
	if err != nil {
		logger.Error().Err(err).Msg("Sink write failed")
		l.metrics.TransactionsFailed.Inc()
		l.metrics.Errors.Inc()
		return
	}

	l.metrics.TransactionsProcessed.Inc()
	l.metrics.LastTransactionTimestamp.Set(float64(time.Now().Unix()))
	l.metrics.TransactionProcessing.Observe(time.Since(start).Seconds())

	if inserted {
		l.metrics.BalanceChangesRecorded.Add(float64(changes))
		logger.Info().
			Int("balance_changes", changes).
			Bool("success", parsed.Success).
			Msg("Committed transaction")
	} else {
		logger.Debug().Msg("Duplicate signature dropped at sink")
	}
}

// fetchWithRetry applies the bounded per-record schedule to transient
// enrichment failures.
func (l *Loop) fetchWithRetry(ctx context.Context, signature string) (*rpc.GetTransactionResult, error) {
	for attempt := 0; ; attempt++ {
		detail, err := l.enricher.GetTransaction(ctx, signature)
		if err == nil {
			return detail, nil
		}
		if !enrichment.IsRetriable(err) || attempt >= len(recordRetryDelays) {
			return nil, err
		}
		if !l.sleep(ctx, recordRetryDelays[attempt]) {
			return nil, err
		}
	}
}

// writeWithRetry applies the same schedule to transient sink failures,
// timing each attempt.
func (l *Loop) writeWithRetry(ctx context.Context, tx model.ParsedTransaction) (bool, int, error) {
	for attempt := 0; ; attempt++ {
		start := time.Now()
		inserted, changes, err := l.store.InsertCompleteTransaction(ctx, tx)
		l.metrics.DatabaseOperation.Observe(time.Since(start).Seconds())
		if err == nil {
			return inserted, changes, nil
		}
		if !sink.IsRetriable(err) || attempt >= len(recordRetryDelays) {
			return false, 0, err
		}
		l.logger.Warn().
			Err(err).
			Str("signature", tx.Signature).
			Int("attempt", attempt+1).
			Msg("Transient sink error, retrying")
		if !l.sleep(ctx, recordRetryDelays[attempt]) {
			return false, 0, err
		}
	}
}

// backoff sleeps for the current delay and advances the attempt counter.
// Returns false when the context ended during the sleep.
func (l *Loop) backoff(ctx context.Context) bool {
	l.noteBackoff()
	delay := BackoffDelay(l.attempt)
	l.attempt++
	l.logger.Warn().
		Dur("delay", delay).
		Int("attempt", l.attempt).
		Msg("Backing off before reconnect")
	return l.sleep(ctx, delay)
}

func (l *Loop) noteBackoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.inBackoff {
		l.inBackoff = true
		l.backoffSince = time.Now()
	}
}

func (l *Loop) clearBackoff() {
	l.mu.Lock()
	l.inBackoff = false
	l.mu.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
