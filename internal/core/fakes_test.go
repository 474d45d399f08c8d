package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/e7canasta/orion-camlink/internal/processor"
	"github.com/e7canasta/orion-camlink/modules/v4l2capture"
)

// fakeRun scripts one device open: Initialize fails with initErr, or the
// device yields frames images and then endErr (or empty polls when nil).
type fakeRun struct {
	initErr error
	frames  int
	endErr  error
}

// fakeSource replays a script of device runs; the last run repeats.
type fakeSource struct {
	mu        sync.Mutex
	device    string
	runs      []fakeRun
	run       int
	delivered int
	seq       uint64
	inits     int
	shutdowns int
	held      int
	warmup    *v4l2capture.WarmupStats
	warmupErr error
}

func newFakeSource(runs ...fakeRun) *fakeSource {
	if len(runs) == 0 {
		runs = []fakeRun{{frames: 1 << 30}}
	}
	return &fakeSource{device: "/dev/video-fake", runs: runs, run: -1}
}

func (s *fakeSource) current() fakeRun {
	if s.run >= len(s.runs) {
		return s.runs[len(s.runs)-1]
	}
	return s.runs[s.run]
}

func (s *fakeSource) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inits++
	s.run++
	s.delivered = 0
	return s.current().initErr
}

func (s *fakeSource) Acquire() (CapturedFrame, error) {
	s.mu.Lock()
	r := s.current()
	if s.delivered < r.frames {
		s.delivered++
		s.seq++
		s.held++
		seq := s.seq
		s.mu.Unlock()
		time.Sleep(time.Millisecond)
		return &fakeFrame{src: s, seq: seq}, nil
	}
	s.mu.Unlock()

	if r.endErr != nil {
		return nil, r.endErr
	}
	time.Sleep(time.Millisecond)
	return nil, v4l2capture.ErrNoFrameAvailable
}

func (s *fakeSource) Warmup(ctx context.Context, d time.Duration) (*v4l2capture.WarmupStats, error) {
	return s.warmup, s.warmupErr
}

func (s *fakeSource) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdowns++
	return nil
}

func (s *fakeSource) Format() v4l2capture.Format {
	return v4l2capture.Format{Width: 64, Height: 48, PixelFormat: v4l2capture.PixelFormatMJPEG}
}

func (s *fakeSource) Stats() v4l2capture.Stats { return v4l2capture.Stats{Device: s.device} }
func (s *fakeSource) Device() string           { return s.device }

func (s *fakeSource) counts() (inits, shutdowns, held int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inits, s.shutdowns, s.held
}

type fakeFrame struct {
	src      *fakeSource
	seq      uint64
	released bool
}

func (f *fakeFrame) Clone() (v4l2capture.Image, error) {
	return v4l2capture.Image{
		Data:      []byte{0xff, 0xd8, byte(f.seq), 0xff, 0xd9},
		Width:     64,
		Height:    48,
		Format:    v4l2capture.PixelFormatMJPEG,
		Seq:       f.seq,
		Timestamp: time.Now(),
		Source:    "fake",
	}, nil
}

func (f *fakeFrame) Release() error {
	if f.released {
		return v4l2capture.ErrFrameReleased
	}
	f.released = true
	f.src.mu.Lock()
	f.src.held--
	f.src.mu.Unlock()
	return nil
}

// recordingWriter collects datagrams for a udpstream.Transport.
type recordingWriter struct {
	mu        sync.Mutex
	datagrams [][]byte
	fail      error
}

func (w *recordingWriter) WriteBuffers(bufs [][]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	var d []byte
	for _, b := range bufs {
		d = append(d, b...)
	}
	w.datagrams = append(w.datagrams, d)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.datagrams)
}

// failingProcessor fails every frame.
type failingProcessor struct{}

func (failingProcessor) Name() string { return "failing" }
func (failingProcessor) Process(processor.Input) (processor.Output, error) {
	return processor.Output{}, errors.New("boom")
}

// recordingSink stores emitted metadata.
type recordingSink struct {
	mu   sync.Mutex
	meta []processor.Metadata
}

func (s *recordingSink) EmitMetadata(m processor.Metadata) {
	s.mu.Lock()
	s.meta = append(s.meta, m)
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.meta)
}
