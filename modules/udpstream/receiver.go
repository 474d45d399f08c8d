package udpstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// maxDatagram is the largest UDP payload the receiver reads.
const maxDatagram = 65535

// Message is one reassembled Frame-Message.
type Message struct {
	// Source names the listener (e.g. "top")
	Source     string
	Data       []byte
	From       net.Addr
	ReceivedAt time.Time
}

// ReceiverStats contains receiver counters.
type ReceiverStats struct {
	ReassemblerStats
	Datagrams uint64
	Bytes     uint64
	// SenderChanges counts partial messages dropped because a different peer
	// started sending
	SenderChanges uint64
}

// Receiver listens on one UDP port and reassembles Frame-Messages from a
// single sender.
type Receiver struct {
	name    string
	conn    *net.UDPConn
	maxSize int

	mu    sync.Mutex
	stats ReceiverStats
}

// Listen binds addr ("host:port", port 0 picks a free one).
func Listen(name, addr string, maxMessageSize int) (*Receiver, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udpstream: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, fmt.Errorf("udpstream: listen %s: %w", addr, err)
	}
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Receiver{name: name, conn: conn, maxSize: maxMessageSize}, nil
}

// Name returns the listener name.
func (r *Receiver) Name() string { return r.name }

// Addr returns the bound local address.
func (r *Receiver) Addr() net.Addr { return r.conn.LocalAddr() }

// Run reads datagrams until ctx is cancelled or the socket fails, calling
// handle for every complete message. handle runs on the read goroutine and
// owns msg.Data.
//
// Returns nil when stopped through ctx.
func (r *Receiver) Run(ctx context.Context, handle func(Message)) error {
	stop := context.AfterFunc(ctx, func() {
		r.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	ra := NewReassembler(r.maxSize)
	buf := make([]byte, maxDatagram)
	var last string

	slog.Info("udpstream: receiver listening", "name", r.name, "addr", r.Addr().String())

	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("udpstream: read %s: %w", r.name, err)
		}

		peer := from.String()
		if ra.Pending() && peer != last {
			ra.Reset()
			r.mu.Lock()
			r.stats.SenderChanges++
			r.mu.Unlock()
			slog.Warn("udpstream: sender changed mid-message", "name", r.name, "from", last, "to", peer)
		}
		last = peer

		msg, complete, ferr := ra.Feed(buf[:n])

		r.mu.Lock()
		r.stats.Datagrams++
		r.stats.Bytes += uint64(n)
		r.stats.ReassemblerStats = ra.Stats()
		r.mu.Unlock()

		if ferr != nil {
			slog.Debug("udpstream: dropped partial message", "name", r.name, "error", ferr)
			continue
		}
		if complete {
			handle(Message{Source: r.name, Data: msg, From: from, ReceivedAt: time.Now()})
		}
	}
}

// Stats returns receiver counters. Safe from any goroutine.
func (r *Receiver) Stats() ReceiverStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Close closes the socket; a running Run returns nil.
func (r *Receiver) Close() error {
	return r.conn.Close()
}
