package udpstream

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrSendFailed reports that a Frame-Message was not fully transmitted.
	// The message is dropped; the receiver discards the partial run.
	ErrSendFailed = errors.New("udpstream: send failed")

	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("udpstream: transport is closed")

	// ErrMalformed is returned by the reassembler for an empty datagram or an
	// unknown flag byte.
	ErrMalformed = errors.New("udpstream: malformed datagram")

	// ErrMessageTooLarge is returned by the reassembler when a message grows
	// past its size limit.
	ErrMessageTooLarge = errors.New("udpstream: message exceeds size limit")
)

// SendError describes where a Send gave up.
//
// errors.Is(err, ErrSendFailed) holds for every SendError, and the underlying
// socket error stays reachable through errors.Is / errors.As.
type SendError struct {
	// Chunk is the zero-based index of the chunk that failed
	Chunk int
	// Chunks is the number of chunks in the message
	Chunks int
	// Attempts is how many times the failing chunk was tried
	Attempts int
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("udpstream: send failed at chunk %d/%d after %d attempts: %v", e.Chunk+1, e.Chunks, e.Attempts, e.Err)
}

func (e *SendError) Unwrap() []error { return []error{ErrSendFailed, e.Err} }

// isTransient reports kernel backpressure: the send buffer is full or the call
// was interrupted. Anything else aborts the message at once.
func isTransient(err error) bool {
	return errors.Is(err, unix.ENOBUFS) ||
		errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.EWOULDBLOCK) ||
		errors.Is(err, unix.EINTR)
}
