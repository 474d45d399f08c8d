package udpstream

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults for Config.
const (
	DefaultChunkSize    = 1400
	DefaultMaxRetries   = 5
	DefaultRetryBackoff = 500 * time.Microsecond

	// MaxChunkSize keeps a datagram within the IPv4 UDP payload limit.
	MaxChunkSize = 65507 - HeaderSize
)

// Config contains transport tuning.
type Config struct {
	// ChunkSize is the body size of each datagram (MTU - 1)
	ChunkSize int
	// MaxRetries bounds the attempts per chunk on transient backpressure
	MaxRetries int
	// RetryBackoff is the sleep between attempts
	RetryBackoff time.Duration
	// PaceEvery inserts PaceDelay after every PaceEvery chunks (0 disables)
	PaceEvery int
	PaceDelay time.Duration
}

func (c *Config) applyDefaults() error {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkSize < 1 || c.ChunkSize > MaxChunkSize {
		return fmt.Errorf("udpstream: chunk size must be 1-%d, got %d", MaxChunkSize, c.ChunkSize)
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("udpstream: max retries must be >= 1, got %d", c.MaxRetries)
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.RetryBackoff < 0 || c.PaceEvery < 0 || c.PaceDelay < 0 {
		return fmt.Errorf("udpstream: negative backoff or pacing")
	}
	return nil
}

// DatagramWriter sends one datagram assembled from bufs (scatter-gather).
// Implementations must not block: a full send buffer is reported as
// ENOBUFS or EAGAIN.
type DatagramWriter interface {
	WriteBuffers(bufs [][]byte) error
	Close() error
}

// Stats contains transport counters.
type Stats struct {
	MessagesSent   uint64
	MessagesFailed uint64
	Datagrams      uint64
	Retries        uint64
	BytesSent      uint64
}

// Transport fragments payloads into flagged datagrams and writes them with
// bounded retry.
//
// Send calls are serialized, so fragments of two messages never interleave on
// the socket.
type Transport struct {
	cfg Config
	w   DatagramWriter

	mu     sync.Mutex
	closed bool
	bufs   [2][]byte
	sleep  func(time.Duration)

	messagesSent   atomic.Uint64
	messagesFailed atomic.Uint64
	datagrams      atomic.Uint64
	retries        atomic.Uint64
	bytesSent      atomic.Uint64
}

var (
	flagMore  = []byte{FlagMore}
	flagFinal = []byte{FlagFinal}
)

// New wraps w. cfg zero values take the defaults.
func New(w DatagramWriter, cfg Config) (*Transport, error) {
	if w == nil {
		return nil, fmt.Errorf("udpstream: nil writer")
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &Transport{cfg: cfg, w: w, sleep: time.Sleep}, nil
}

// Dial opens a non-blocking UDP socket connected to addr ("host:port").
func Dial(addr string, cfg Config) (*Transport, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	w, err := dialSocket(addr)
	if err != nil {
		return nil, err
	}
	t, err := New(w, cfg)
	if err != nil {
		w.Close()
		return nil, err
	}
	slog.Info("udpstream: transport ready", "addr", addr, "chunk_size", cfg.ChunkSize, "max_retries", cfg.MaxRetries)
	return t, nil
}

// Config returns the effective configuration.
func (t *Transport) Config() Config { return t.cfg }

// Send transmits payload as one Frame-Message.
//
// Each chunk goes out as a single datagram built from two iovecs, the flag
// byte and a slice of payload, so the payload is never copied. On transient
// backpressure a chunk is retried up to MaxRetries times with RetryBackoff in
// between; when retries run out, or on any other socket error, the rest of the
// message is abandoned and a *SendError wrapping ErrSendFailed is returned.
func (t *Transport) Send(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	total := chunkCount(len(payload), t.cfg.ChunkSize)

	for i, p := range Chunks(payload, t.cfg.ChunkSize) {
		if p.Final {
			t.bufs[0] = flagFinal
		} else {
			t.bufs[0] = flagMore
		}
		t.bufs[1] = p.Body

		attempts, err := t.writeWithRetry(t.bufs[:])
		if err != nil {
			t.bufs[1] = nil
			t.messagesFailed.Add(1)
			return &SendError{Chunk: i, Chunks: total, Attempts: attempts, Err: err}
		}
		t.datagrams.Add(1)

		if !p.Final && t.cfg.PaceEvery > 0 && (i+1)%t.cfg.PaceEvery == 0 {
			t.sleep(t.cfg.PaceDelay)
		}
	}

	t.bufs[1] = nil
	t.messagesSent.Add(1)
	t.bytesSent.Add(uint64(len(payload)))
	return nil
}

func (t *Transport) writeWithRetry(bufs [][]byte) (int, error) {
	var err error
	for attempt := 1; attempt <= t.cfg.MaxRetries; attempt++ {
		err = t.w.WriteBuffers(bufs)
		if err == nil {
			return attempt, nil
		}
		if !isTransient(err) {
			return attempt, err
		}
		if attempt < t.cfg.MaxRetries {
			t.retries.Add(1)
			t.sleep(t.cfg.RetryBackoff)
		}
	}
	return t.cfg.MaxRetries, err
}

// Stats returns transport counters. Safe from any goroutine.
func (t *Transport) Stats() Stats {
	return Stats{
		MessagesSent:   t.messagesSent.Load(),
		MessagesFailed: t.messagesFailed.Load(),
		Datagrams:      t.datagrams.Load(),
		Retries:        t.retries.Load(),
		BytesSent:      t.bytesSent.Load(),
	}
}

// Close closes the underlying socket. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.w.Close()
}
