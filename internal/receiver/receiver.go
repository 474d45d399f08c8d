// Package receiver is the viewer side of the link: it listens on the per-view
// UDP ports, reassembles Frame-Messages and fans the frames out on a framebus
// to the frame saver, the recorder and the live viewer.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-camlink/internal/config"
	"github.com/e7canasta/orion-camlink/modules/framebus"
	"github.com/e7canasta/orion-camlink/modules/udpstream"
)

// Subscriber buffers on the bus. Disk consumers use DropNew channels: a slow
// disk loses frames instead of stalling reassembly.
const (
	saverBuffer    = 8
	recorderBuffer = 32
)

// listener is one bound view port.
type listener struct {
	rx  *udpstream.Receiver
	seq atomic.Uint64
}

// Receiver owns the view listeners and the disk consumers.
type Receiver struct {
	cfg       *config.Config
	bus       framebus.Bus
	listeners []*listener
	saver     *FrameSaver
	recorder  *Recorder

	wg      sync.WaitGroup
	started time.Time
}

// New binds one UDP listener per enabled view. The bus is owned by the caller.
func New(cfg *config.Config, bus framebus.Bus) (*Receiver, error) {
	r := &Receiver{cfg: cfg, bus: bus}

	for _, view := range cfg.Views() {
		addr := net.JoinHostPort(cfg.Receiver.ListenIP, strconv.Itoa(view.Port))
		rx, err := udpstream.Listen(view.Name, addr, cfg.Receiver.MaxMessageSize)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.listeners = append(r.listeners, &listener{rx: rx})
	}

	if dir := cfg.Receiver.SaveDir; dir != "" {
		saver, err := NewFrameSaver(dir, cfg.Receiver.SaveEvery)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.saver = saver
	}

	if path := cfg.Receiver.RecordPath; path != "" {
		rec, err := NewRecorder(path)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.recorder = rec
	}

	return r, nil
}

// Addr returns the bound address of a view, or nil.
func (r *Receiver) Addr(view string) net.Addr {
	for _, l := range r.listeners {
		if l.rx.Name() == view {
			return l.rx.Addr()
		}
	}
	return nil
}

// Run receives until ctx is cancelled or a socket fails.
func (r *Receiver) Run(ctx context.Context) error {
	r.started = time.Now()

	if r.saver != nil {
		ch := make(chan framebus.Frame, saverBuffer)
		if err := r.bus.Subscribe("saver", ch); err != nil {
			return fmt.Errorf("subscribe saver: %w", err)
		}
		r.spawn(func() { r.saver.Run(ctx, ch) })
		slog.Info("saving frames", "dir", r.cfg.Receiver.SaveDir, "every", r.cfg.Receiver.SaveEvery)
	}

	if r.recorder != nil {
		ch := make(chan framebus.Frame, recorderBuffer)
		if err := r.bus.Subscribe("recorder", ch); err != nil {
			return fmt.Errorf("subscribe recorder: %w", err)
		}
		r.spawn(func() { r.recorder.Run(ctx, ch) })
		slog.Info("recording frames", "path", r.cfg.Receiver.RecordPath)
	}

	if interval := time.Duration(r.cfg.Receiver.StatsIntervalS) * time.Second; interval > 0 {
		r.spawn(func() { r.reportStats(ctx, interval) })
	}

	errs := make(chan error, len(r.listeners))
	var listeners sync.WaitGroup
	for _, l := range r.listeners {
		listeners.Add(1)
		go func(l *listener) {
			defer listeners.Done()
			if err := l.rx.Run(ctx, r.handler(l)); err != nil {
				errs <- err
			}
		}(l)
	}
	listeners.Wait()
	close(errs)

	var all []error
	for err := range errs {
		all = append(all, err)
	}
	return errors.Join(all...)
}

func (r *Receiver) spawn(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

// handler numbers reassembled messages per view and publishes them.
func (r *Receiver) handler(l *listener) func(udpstream.Message) {
	return func(msg udpstream.Message) {
		frame := framebus.Frame{
			Source:     msg.Source,
			Seq:        l.seq.Add(1),
			Data:       msg.Data,
			ReceivedAt: msg.ReceivedAt,
			TraceID:    uuid.New().String(),
		}
		slog.Debug("frame received",
			"source", frame.Source,
			"seq", frame.Seq,
			"bytes", len(frame.Data),
			"trace_id", frame.TraceID,
		)
		r.bus.Publish(frame)
	}
}

// Stats is a receiver snapshot.
type Stats struct {
	Views    map[string]udpstream.ReceiverStats
	Frames   map[string]uint64
	Bus      framebus.BusStats
	Saved    uint64
	Recorded uint64
}

// Stats collects listener, bus and disk counters.
func (r *Receiver) Stats() Stats {
	st := Stats{
		Views:  make(map[string]udpstream.ReceiverStats, len(r.listeners)),
		Frames: make(map[string]uint64, len(r.listeners)),
		Bus:    r.bus.Stats(),
	}
	for _, l := range r.listeners {
		st.Views[l.rx.Name()] = l.rx.Stats()
		st.Frames[l.rx.Name()] = l.seq.Load()
	}
	if r.saver != nil {
		st.Saved, _ = r.saver.Stats()
	}
	if r.recorder != nil {
		st.Recorded, _ = r.recorder.Stats()
	}
	return st
}

func (r *Receiver) reportStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := r.Stats()
			for name, v := range st.Views {
				slog.Info("receiver stats",
					"view", name,
					"frames", st.Frames[name],
					"datagrams", v.Datagrams,
					"bytes", v.Bytes,
					"discarded", v.Discarded,
					"malformed", v.Malformed,
					"uptime", time.Since(r.started).Round(time.Second),
				)
			}
			for id, sub := range st.Bus.Subscribers {
				if sub.Dropped > 0 {
					slog.Warn("subscriber dropping frames",
						"subscriber", id,
						"dropped_count", sub.Dropped,
						"drop_rate", framebus.CalculateSubscriberDropRate(st.Bus, id),
					)
				}
			}
		}
	}
}

// Close stops the listeners, waits for the disk consumers and flushes the
// recording. Run must have returned or ctx been cancelled.
func (r *Receiver) Close() error {
	var errs []error
	for _, l := range r.listeners {
		if err := l.rx.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	r.wg.Wait()
	if r.recorder != nil {
		if err := r.recorder.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
