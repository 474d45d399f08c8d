package receiver

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-camlink/modules/framebus"
)

// maxRecordSize bounds a single record when reading a recording back.
const maxRecordSize = 64 << 20

// Record is one received frame as stored in a recording.
type Record struct {
	Source     string    `msgpack:"source"`
	Seq        uint64    `msgpack:"seq"`
	TraceID    string    `msgpack:"trace_id"`
	ReceivedAt time.Time `msgpack:"received_at"`
	Data       []byte    `msgpack:"data"`
}

// Recorder appends frames to a file as length-prefixed msgpack records
// (4 bytes big-endian length + msgpack data).
type Recorder struct {
	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	records uint64
	bytes   uint64
}

// NewRecorder opens path for appending.
func NewRecorder(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording: %w", err)
	}
	return &Recorder{f: f, w: bufio.NewWriter(f)}, nil
}

// Run records frames from ch until it is closed or ctx is done.
func (r *Recorder) Run(ctx context.Context, ch <-chan framebus.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if err := r.Write(frame); err != nil {
				slog.Error("failed to record frame", "source", frame.Source, "seq", frame.Seq, "error", err)
			}
		}
	}
}

// Write appends one frame.
func (r *Recorder) Write(frame framebus.Frame) error {
	b, err := msgpack.Marshal(&Record{
		Source:     frame.Source,
		Seq:        frame.Seq,
		TraceID:    frame.TraceID,
		ReceivedAt: frame.ReceivedAt,
		Data:       frame.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack record: %w", err)
	}

	lengthPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthPrefix, uint32(len(b)))

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.w.Write(lengthPrefix); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := r.w.Write(b); err != nil {
		return fmt.Errorf("failed to write msgpack data: %w", err)
	}
	r.records++
	r.bytes += uint64(len(b) + 4)
	return nil
}

// Stats returns the records and bytes written.
func (r *Recorder) Stats() (records, bytes uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records, r.bytes
}

// Close flushes and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.w.Flush(); err != nil {
		r.f.Close()
		return fmt.Errorf("failed to flush recording: %w", err)
	}
	return r.f.Close()
}

// ReadRecords calls fn for every record in rd until EOF or fn returns an error.
// A truncated trailing record is reported as io.ErrUnexpectedEOF.
func ReadRecords(rd io.Reader, fn func(Record) error) error {
	br := bufio.NewReader(rd)
	lengthBuf := make([]byte, 4)

	for {
		// Read length prefix (4 bytes, big-endian)
		if _, err := io.ReadFull(br, lengthBuf); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		msgLength := binary.BigEndian.Uint32(lengthBuf)
		if msgLength > maxRecordSize {
			return fmt.Errorf("record too large: %d bytes", msgLength)
		}

		data := make([]byte, msgLength)
		if _, err := io.ReadFull(br, data); err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}

		var rec Record
		if err := msgpack.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal msgpack record: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
