package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/s25rawlins/mev-burn-indexer/logging"
)

const (
	portSearchRange  = 10
	probeInterval    = 15 * time.Second
	probeTimeout     = 5 * time.Second
	probeFreshness   = time.Minute
	maxBackoffStall  = 5 * time.Minute
	shutdownDeadline = 5 * time.Second
)

// SinkProber is the health view of the sink.
type SinkProber interface {
	Probe(ctx context.Context) error
	LastProbe() (time.Time, error)
}

// LoopStatus is the health view of the ingestion loop.
type LoopStatus interface {
	// InBackoffSince returns when the loop entered its current backoff
	// stretch, and false when it is streaming normally.
	InBackoffSince() (time.Time, bool)
}

// Server exposes /metrics and /health and keeps the sink probe fresh.
type Server struct {
	metrics *Metrics
	logger  *logging.ComponentLogger
	sink    SinkProber
	loop    LoopStatus
	port    int

	server   *http.Server
	listener net.Listener
}

// NewServer builds the operational HTTP surface on the requested port.
func NewServer(m *Metrics, port int, sink SinkProber, loop LoopStatus, logger *logging.ComponentLogger) *Server {
	return &Server{
		metrics: m,
		logger:  logger,
		sink:    sink,
		loop:    loop,
		port:    port,
	}
}

// Start binds the listener and serves until the context is cancelled. When
// the requested port is taken it walks forward over a small range; the
// chosen port is logged and returned.
func (s *Server) Start(ctx context.Context) (int, error) {
	listener, port, err := listenWithFallback(s.port)
	if err != nil {
		return 0, err
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{Handler: mux}

	s.logger.Info().
		Int("port", port).
		Msg("Starting metrics server")

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	go s.probeLoop(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	return port, nil
}

func listenWithFallback(requested int) (net.Listener, int, error) {
	var lastErr error
	for port := requested; port < requested+portSearchRange; port++ {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return listener, port, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("no free port in [%d, %d): %w", requested, requested+portSearchRange, lastErr)
}

// probeLoop keeps the sink round-trip measurement fresh for /health.
func (s *Server) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			start := time.Now()
			err := s.sink.Probe(probeCtx)
			cancel()
			s.metrics.DatabaseOperation.Observe(time.Since(start).Seconds())
			if err != nil {
				s.logger.Warn().Err(err).Msg("Sink probe failed")
				s.metrics.Errors.Inc()
			}
		}
	}
}

// handleHealth reports OK only while the sink answers its round-trip probe
// and the ingestion loop is not stuck reconnecting.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	lastProbe, probeErr := s.sink.LastProbe()
	if time.Since(lastProbe) > probeFreshness {
		reason := "sink probe stale"
		if probeErr != nil {
			reason = fmt.Sprintf("sink probe failing: %v", probeErr)
		}
		http.Error(w, reason, http.StatusServiceUnavailable)
		return
	}

	if since, backing := s.loop.InBackoffSince(); backing && time.Since(since) > maxBackoffStall {
		http.Error(w, "stream reconnecting for over 5 minutes", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "OK")
}
