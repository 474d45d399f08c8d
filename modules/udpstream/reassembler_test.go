package udpstream_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-camlink/modules/udpstream"
)

func feedAll(r *udpstream.Reassembler, datagrams ...[]byte) (msgs [][]byte, errs []error) {
	for _, d := range datagrams {
		msg, done, err := r.Feed(d)
		if err != nil {
			errs = append(errs, err)
		}
		if done {
			msgs = append(msgs, msg)
		}
	}
	return msgs, errs
}

func TestReassemblerConsecutiveMessages(t *testing.T) {
	r := udpstream.NewReassembler(0)

	msgs, errs := feedAll(r,
		[]byte{0, 'a', 'b'}, []byte{1, 'c'},
		[]byte{1},
		[]byte{1, 'x', 'y'},
	)
	require.Empty(t, errs)
	require.Len(t, msgs, 3)
	assert.Equal(t, []byte("abc"), msgs[0])
	assert.Equal(t, []byte{}, msgs[1])
	assert.Equal(t, []byte("xy"), msgs[2])
	assert.Equal(t, uint64(3), r.Stats().Messages)
}

// TestReassemblerMalformedDiscardsPartial: a bad flag in the middle of a run
// drops the partial message and the rest of that run.
func TestReassemblerMalformedDiscardsPartial(t *testing.T) {
	r := udpstream.NewReassembler(0)

	msgs, errs := feedAll(r,
		[]byte{0, 'a'},
		[]byte{7, 'b'}, // malformed
		[]byte{0, 'c'}, // tail of the broken run
		[]byte{1, 'd'},
		[]byte{1, 'o', 'k'},
	)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], udpstream.ErrMalformed)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("ok"), msgs[0])

	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.Discarded)
	assert.Equal(t, uint64(1), stats.Malformed)
}

func TestReassemblerStrayMalformedBetweenMessages(t *testing.T) {
	r := udpstream.NewReassembler(0)

	msgs, errs := feedAll(r, []byte{}, []byte{1, 'o', 'k'})
	require.Len(t, errs, 1)
	require.Len(t, msgs, 1, "a stray datagram between messages must not eat the next one")
	assert.Equal(t, []byte("ok"), msgs[0])
}

func TestReassemblerSizeLimit(t *testing.T) {
	r := udpstream.NewReassembler(4)

	msgs, errs := feedAll(r,
		[]byte{0, 1, 2, 3},
		[]byte{0, 4, 5}, // 5 bytes > 4
		[]byte{1, 6},    // tail skipped
		[]byte{1, 9, 9},
	)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], udpstream.ErrMessageTooLarge)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte{9, 9}, msgs[0])
}

func TestReassemblerReset(t *testing.T) {
	r := udpstream.NewReassembler(0)

	_, done, err := r.Feed([]byte{0, 'a'})
	require.NoError(t, err)
	require.False(t, done)
	require.True(t, r.Pending())

	r.Reset()
	assert.False(t, r.Pending())

	msg, done, err := r.Feed([]byte{1, 'b'})
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, []byte("b"), msg)
	assert.Equal(t, uint64(1), r.Stats().Discarded)
}
