package havencache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumBytes(t *testing.T) {
	h1 := SumBytes([]byte("payload"))
	h2 := SumBytes([]byte("payload"))
	h3 := SumBytes([]byte("other"))

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.False(t, h1.IsZero())
	assert.True(t, Hash{}.IsZero())
}

func TestHashRoundTrip(t *testing.T) {
	h := SumBytes([]byte("payload"))

	text, err := h.MarshalText()
	require.NoError(t, err)
	assert.Len(t, text, HashSize*2)

	parsed, err := ParseHash(string(text))
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
}

func TestParseHashInvalid(t *testing.T) {
	_, err := ParseHash("abc")
	require.Error(t, err)

	_, err = ParseHash(strings.Repeat("zz", HashSize))
	require.Error(t, err)
}

func TestSumReaderMatchesSumBytes(t *testing.T) {
	data := []byte(strings.Repeat("haven", 1000))

	h, n, err := SumReader(strings.NewReader(string(data)))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, SumBytes(data), h)
}

func TestHasherStreaming(t *testing.T) {
	hw := NewHasher()
	_, err := hw.Write([]byte("pay"))
	require.NoError(t, err)
	_, err = hw.Write([]byte("load"))
	require.NoError(t, err)

	assert.Equal(t, SumBytes([]byte("payload")), hw.Sum())
}
