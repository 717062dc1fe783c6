package sequencer

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"HTTPInterceptBox/src/logger"
	"HTTPInterceptBox/src/traffic"
	"HTTPInterceptBox/src/transform"
)

// Sink receives every sanitized record, in order, on the writer goroutine.
// Sinks must not block.
type Sink func(transform.Record)

// Sequencer owns the two pieces of state shared across requests: the request
// id counter and the record log. Records are handed to a single writer
// goroutine so log lines and sink calls are strictly ordered.
type Sequencer struct {
	counter   atomic.Uint64
	log       logger.Logger
	sanitizer *transform.Sanitizer

	// mu guards closed against concurrent sends on queue.
	mu     sync.RWMutex
	closed bool
	queue  chan transform.Record
	done   chan struct{}

	sinksMu sync.Mutex
	sinks   []Sink
}

// New starts the writer goroutine. A nil sanitizer uses the default lists.
func New(log logger.Logger, sanitizer *transform.Sanitizer, queueSize int) *Sequencer {
	if log == nil {
		log = logger.NewNop()
	}
	if sanitizer == nil {
		sanitizer = transform.NewSanitizer(nil, nil)
	}
	if queueSize < 1 {
		queueSize = 256
	}
	s := &Sequencer{
		log:       log,
		sanitizer: sanitizer,
		queue:     make(chan transform.Record, queueSize),
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

// NextID returns "<n>-<unix millis>"; n increases by one per call.
func (s *Sequencer) NextID() string {
	n := s.counter.Add(1)
	return strconv.FormatUint(n, 10) + "-" + strconv.FormatInt(time.Now().UnixMilli(), 10)
}

// Issued returns how many ids have been handed out.
func (s *Sequencer) Issued() uint64 { return s.counter.Load() }

// NewRequestContext captures req as received. body is the buffered request
// body, nil in streaming mode.
func (s *Sequencer) NewRequestContext(req *http.Request, scheme string, body []byte) *traffic.RequestContext {
	host := req.Host
	if host == "" && req.URL != nil {
		host = req.URL.Host
	}
	path := "/"
	if req.URL != nil {
		path = req.URL.RequestURI()
	}
	return &traffic.RequestContext{
		ID:           s.NextID(),
		Method:       req.Method,
		Scheme:       scheme,
		OriginalHost: host,
		OriginalPath: path,
		Headers:      traffic.FromHTTP(req.Header),
		Body:         body,
		ReceivedAt:   time.Now(),
		RemoteAddr:   req.RemoteAddr,
	}
}

// Subscribe adds a sink. Sinks added after records were queued only see
// later records.
func (s *Sequencer) Subscribe(sink Sink) {
	s.sinksMu.Lock()
	s.sinks = append(s.sinks, sink)
	s.sinksMu.Unlock()
}

// Record sanitizes rec and queues it. Records submitted after Close are
// dropped.
func (s *Sequencer) Record(rec transform.Record) {
	clean := s.sanitizer.Sanitize(rec)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.queue <- clean
}

// Close stops accepting records and waits for queued ones to be written.
func (s *Sequencer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
}

func (s *Sequencer) run() {
	defer close(s.done)
	for rec := range s.queue {
		s.write(rec)
		s.sinksMu.Lock()
		sinks := s.sinks
		s.sinksMu.Unlock()
		for _, sink := range sinks {
			sink(rec)
		}
	}
}

func (s *Sequencer) write(rec transform.Record) {
	kv := []any{
		"id", rec.ID,
		"method", rec.Method,
		"url", rec.URL,
		"host", rec.Host,
		"mode", rec.Mode,
		"target", rec.Target,
		"status", rec.Status,
		"duration_ms", rec.DurationMs,
	}
	if rec.Fallback {
		kv = append(kv, "fallback", true)
	}
	if rec.Streaming {
		kv = append(kv, "streaming", true)
	}
	if rec.ErrorKind != "" {
		kv = append(kv, "error_kind", rec.ErrorKind, "error", rec.Error)
		s.log.Warn("exchange failed", kv...)
		return
	}
	s.log.Info("exchange", kv...)
	s.log.Debug("exchange detail", "id", rec.ID, "request", rec.Request, "response", rec.Response)
}
