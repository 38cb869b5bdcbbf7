// Package logsink implements an async, buffered request-log emitter that
// ships per-request records to an external HTTP sink. Records are batched
// and flushed at configurable intervals. The sink is entirely optional and
// fire-and-forget: it never blocks or delays a response, and sink
// failures are swallowed after local logging.
package logsink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/s4kit/gateway/internal/config"
	"github.com/s4kit/gateway/internal/observability"
)

// Record is the per-request log entry shipped to the sink.
type Record struct {
	APIKeyID   string `json:"api_key_id"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	Entity     string `json:"entity,omitempty"`
	Operation  string `json:"operation,omitempty"`
	StatusCode int    `json:"status_code"`
	LatencyMs  int64  `json:"latency_ms"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"` // RFC 3339
	RequestID  string `json:"request_id,omitempty"`
}

// Sink batches records in a fixed-size ring buffer and flushes them to the
// configured HTTP endpoint. When the buffer is full the oldest record is
// dropped and counted.
type Sink struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	url        string
	httpClient *http.Client

	batchSize     int
	flushInterval time.Duration
	bufferSize    int

	ring     []Record
	ringMu   sync.Mutex
	ringHead int
	ringTail int
	ringLen  int

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewSink creates the request-log sink. Returns nil when no sink URL is
// configured; a nil *Sink is safe to use, every method is a no-op.
func NewSink(cfg config.LogSinkConfig, logger *slog.Logger, metrics *observability.Metrics) *Sink {
	if cfg.URL == "" {
		return nil
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 10000
	}

	flushInterval := 5 * time.Second
	if cfg.FlushInterval != "" {
		if d, err := time.ParseDuration(cfg.FlushInterval); err == nil && d > 0 {
			flushInterval = d
		}
	}

	s := &Sink{
		logger:        logger.With("component", "logsink"),
		metrics:       metrics,
		url:           cfg.URL,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		batchSize:     batchSize,
		flushInterval: flushInterval,
		bufferSize:    bufferSize,
		ring:          make([]Record, bufferSize),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	s.wg.Add(1)
	go s.flushLoop()

	return s
}

// Emit enqueues a record. Fire-and-forget: never blocks, never returns an
// error to the request path.
func (s *Sink) Emit(rec Record) {
	if s == nil {
		return
	}

	s.ringMu.Lock()
	s.ring[s.ringTail] = rec
	s.ringTail = (s.ringTail + 1) % s.bufferSize
	if s.ringLen == s.bufferSize {
		// Buffer full: drop oldest by advancing head.
		s.ringHead = (s.ringHead + 1) % s.bufferSize
		s.metrics.IncSinkDropped()
	} else {
		s.ringLen++
	}
	shouldFlush := s.ringLen >= s.batchSize
	s.ringMu.Unlock()

	if shouldFlush {
		select {
		case s.flushCh <- struct{}{}:
		default:
		}
	}
}

// Close flushes remaining records and stops the flush loop.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	close(s.done)
	s.wg.Wait()

	// Final drain.
	s.flush()
	return nil
}

func (s *Sink) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.flush()
		case <-s.flushCh:
			s.flush()
		}
	}
}

func (s *Sink) flush() {
	for {
		batch := s.drain()
		if len(batch) == 0 {
			return
		}
		s.send(batch)
	}
}

func (s *Sink) drain() []Record {
	s.ringMu.Lock()
	defer s.ringMu.Unlock()

	if s.ringLen == 0 {
		return nil
	}

	n := s.ringLen
	if n > s.batchSize {
		n = s.batchSize
	}

	batch := make([]Record, n)
	for i := range n {
		batch[i] = s.ring[(s.ringHead+i)%s.bufferSize]
	}
	s.ringHead = (s.ringHead + n) % s.bufferSize
	s.ringLen -= n
	return batch
}

func (s *Sink) send(batch []Record) {
	payload := struct {
		Records []Record `json:"records"`
	}{Records: batch}

	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to marshal log batch", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		s.logger.Error("failed to create log sink request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("failed to send log batch", "error", err, "count", len(batch))
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		s.logger.Warn("log sink returned error",
			"status", resp.StatusCode, "count", len(batch))
	}
}

// String implements fmt.Stringer for debug logging.
func (s *Sink) String() string {
	if s == nil {
		return "Sink(disabled)"
	}
	return fmt.Sprintf("Sink(url=%s, batch=%d, flush=%s, buf=%d)",
		s.url, s.batchSize, s.flushInterval, s.bufferSize)
}
