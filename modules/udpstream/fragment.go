package udpstream

import "iter"

// Wire flag values: the first byte of every datagram.
const (
	FlagMore  byte = 0
	FlagFinal byte = 1
)

// HeaderSize is the per-datagram overhead.
const HeaderSize = 1

// Packet is one datagram of a Frame-Message: a continuation flag and a body
// that references the original payload.
type Packet struct {
	Final bool
	Body  []byte
}

// Flag returns the wire flag byte.
func (p Packet) Flag() byte {
	if p.Final {
		return FlagFinal
	}
	return FlagMore
}

// Bytes returns the datagram as it goes on the wire. It copies; Transport
// never calls it.
func (p Packet) Bytes() []byte {
	out := make([]byte, HeaderSize+len(p.Body))
	out[0] = p.Flag()
	copy(out[HeaderSize:], p.Body)
	return out
}

// Fragment splits payload into packets of at most chunkSize body bytes. The
// bodies alias payload. An empty payload yields one final packet with an
// empty body so the receiver still sees a message boundary.
//
// Fragment yields exactly the datagrams Transport.Send writes.
//
// Panics if chunkSize < 1.
func Fragment(payload []byte, chunkSize int) []Packet {
	packets := make([]Packet, 0, chunkCount(len(payload), max(chunkSize, 1)))
	for _, p := range Chunks(payload, chunkSize) {
		packets = append(packets, p)
	}
	return packets
}

// Chunks iterates the packets of payload in wire order without allocating.
// The index counts from 0; the last packet is Final.
//
// Panics if chunkSize < 1.
func Chunks(payload []byte, chunkSize int) iter.Seq2[int, Packet] {
	if chunkSize < 1 {
		panic("udpstream: chunk size must be >= 1")
	}
	return func(yield func(int, Packet) bool) {
		for i, off := 0, 0; ; i, off = i+1, off+chunkSize {
			end := off + chunkSize
			if end >= len(payload) {
				yield(i, Packet{Final: true, Body: payload[off:len(payload):len(payload)]})
				return
			}
			if !yield(i, Packet{Body: payload[off:end:end]}) {
				return
			}
		}
	}
}

func chunkCount(size, chunkSize int) int {
	if size == 0 {
		return 1
	}
	return (size + chunkSize - 1) / chunkSize
}
