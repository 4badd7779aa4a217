package docstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeNoticeRoundTrip(t *testing.T) {
	in := changeNotice{Collection: "chats", IDs: []string{"m1", "m2"}, Origin: "node-a", At: 1700000000000}

	first, err := encodeNotice(in)
	require.NoError(t, err)
	second, err := encodeNotice(in)
	require.NoError(t, err)
	assert.Equal(t, first, second, "encoding is deterministic")

	out, err := decodeNotice(first)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeNoticeRejectsGarbage(t *testing.T) {
	_, err := decodeNotice([]byte{0xff, 0x00, 0x13})
	assert.Error(t, err)
}
