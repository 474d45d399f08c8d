package udpstream_test

import (
	"bytes"
	"math/rand"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-camlink/modules/udpstream"
)

func TestFragment(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		chunk     int
		wantFlags []byte
		wantSizes []int
	}{
		{"3000 bytes at 1400", 3000, 1400, []byte{0, 0, 1}, []int{1400, 1400, 200}},
		{"exact multiple", 2800, 1400, []byte{0, 1}, []int{1400, 1400}},
		{"smaller than chunk", 10, 1400, []byte{1}, []int{10}},
		{"empty payload", 0, 1400, []byte{1}, []int{0}},
		{"one byte chunks", 3, 1, []byte{0, 0, 1}, []int{1, 1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := make([]byte, tt.size)
			packets := udpstream.Fragment(payload, tt.chunk)

			var flags []byte
			var sizes []int
			for _, p := range packets {
				flags = append(flags, p.Flag())
				sizes = append(sizes, len(p.Body))
			}
			assert.Equal(t, tt.wantFlags, flags)
			assert.Equal(t, tt.wantSizes, sizes)
		})
	}
}

func TestFragmentAliasesPayload(t *testing.T) {
	payload := []byte("abcdef")
	packets := udpstream.Fragment(payload, 4)
	payload[0] = 'X'
	assert.Equal(t, byte('X'), packets[0].Body[0], "bodies reference the payload, no copy")

	wire := packets[1].Bytes()
	assert.Equal(t, []byte{udpstream.FlagFinal, 'e', 'f'}, wire)
}

func TestChunksStopsEarly(t *testing.T) {
	payload := make([]byte, 10)
	var seen []int
	for i, p := range udpstream.Chunks(payload, 3) {
		seen = append(seen, i)
		assert.False(t, p.Final)
		if i == 1 {
			break
		}
	}
	assert.Equal(t, []int{0, 1}, seen)
}

func TestFragmentPanicsOnZeroChunk(t *testing.T) {
	assert.Panics(t, func() { udpstream.Fragment([]byte("x"), 0) })
}

// TestFragmentRoundTrip_Property: for any payload and MTU >= 2, fragmenting
// and reassembling by flag-delimited concatenation yields the original bytes.
func TestFragmentRoundTrip_Property(t *testing.T) {
	f := func(payload []byte, mtuSeed uint16) bool {
		chunk := 1 + int(mtuSeed%2048) // MTU 2..2049
		return roundTrip(t, payload, chunk)
	}
	require.NoError(t, quick.Check(f, &quick.Config{MaxCount: 300}))
}

func TestFragmentRoundTrip_Large(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	payload := make([]byte, 10<<20)
	rng.Read(payload)

	for _, chunk := range []int{1, 1399, 1400, 8192, 65506} {
		if chunk == 1 {
			// 10M single-byte datagrams is slow; a 64 KB slice covers MTU 2
			assert.True(t, roundTrip(t, payload[:64<<10], chunk))
			continue
		}
		assert.True(t, roundTrip(t, payload, chunk), "chunk %d", chunk)
	}
}

func roundTrip(t *testing.T, payload []byte, chunk int) bool {
	t.Helper()

	r := udpstream.NewReassembler(len(payload) + 1)
	packets := udpstream.Fragment(payload, chunk)
	for i, p := range packets {
		msg, done, err := r.Feed(p.Bytes())
		if err != nil {
			t.Logf("Feed(%d) error: %v", i, err)
			return false
		}
		if done != (i == len(packets)-1) {
			t.Logf("packet %d/%d: complete=%v", i, len(packets), done)
			return false
		}
		if done && !bytes.Equal(msg, payload) {
			t.Logf("reassembled %d bytes, want %d", len(msg), len(payload))
			return false
		}
	}
	return true
}
