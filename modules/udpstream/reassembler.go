package udpstream

import "fmt"

// DefaultMaxMessageSize bounds a reassembled Frame-Message.
const DefaultMaxMessageSize = 16 << 20

// ReassemblerStats contains reassembly counters.
type ReassemblerStats struct {
	Messages  uint64
	Fragments uint64
	// Discarded counts partial messages thrown away
	Discarded uint64
	Malformed uint64
}

// Reassembler rebuilds Frame-Messages by concatenating datagram bodies until a
// final flag.
//
// The wire format carries no message id, so a broken run cannot be repaired:
// on a malformed datagram or size overflow the partial message is dropped and
// everything up to the next final flag is skipped.
//
// Not safe for concurrent use.
type Reassembler struct {
	maxSize  int
	buf      []byte
	frags    int
	skipping bool
	stats    ReassemblerStats
}

// NewReassembler returns a reassembler limited to maxSize bytes per message
// (DefaultMaxMessageSize if maxSize <= 0).
func NewReassembler(maxSize int) *Reassembler {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Reassembler{maxSize: maxSize}
}

// Feed consumes one datagram. When it completes a message, Feed returns the
// message (owned by the caller) and true.
func (r *Reassembler) Feed(datagram []byte) ([]byte, bool, error) {
	if len(datagram) < HeaderSize {
		r.stats.Malformed++
		r.discard(r.skipping || r.frags > 0)
		return nil, false, fmt.Errorf("%w: empty datagram", ErrMalformed)
	}

	flag, body := datagram[0], datagram[HeaderSize:]
	if flag != FlagMore && flag != FlagFinal {
		r.stats.Malformed++
		r.discard(r.skipping || r.frags > 0)
		return nil, false, fmt.Errorf("%w: flag 0x%02x", ErrMalformed, flag)
	}
	r.stats.Fragments++

	if r.skipping {
		if flag == FlagFinal {
			r.skipping = false
		}
		return nil, false, nil
	}

	if len(r.buf)+len(body) > r.maxSize {
		r.discard(flag != FlagFinal)
		return nil, false, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, r.maxSize)
	}

	r.buf = append(r.buf, body...)
	r.frags++
	if flag == FlagMore {
		return nil, false, nil
	}

	msg := r.buf
	r.buf = nil
	r.frags = 0
	r.stats.Messages++
	if msg == nil {
		msg = []byte{}
	}
	return msg, true, nil
}

// Reset drops any partial message, e.g. when the sender changes.
func (r *Reassembler) Reset() {
	r.discard(false)
}

// Pending reports whether a partial message is buffered.
func (r *Reassembler) Pending() bool {
	return r.frags > 0
}

// Stats returns reassembly counters.
func (r *Reassembler) Stats() ReassemblerStats {
	return r.stats
}

// discard drops the partial message. With skip, datagrams are ignored until
// the next final flag closes the broken run.
func (r *Reassembler) discard(skip bool) {
	if r.frags > 0 {
		r.stats.Discarded++
	}
	r.buf = nil
	r.frags = 0
	r.skipping = skip
}
