package pq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLSN(t *testing.T) {
	lsn, err := ParseLSN("16/B374D848")
	require.NoError(t, err)
	assert.Equal(t, LSN(0x16B374D848), lsn)
	assert.Equal(t, "16/B374D848", lsn.String())
}

func TestParseLSNZero(t *testing.T) {
	lsn, err := ParseLSN("0/0")
	require.NoError(t, err)
	assert.Equal(t, LSN(0), lsn)
}

func TestParseLSNInvalid(t *testing.T) {
	_, err := ParseLSN("not-an-lsn")
	assert.Error(t, err)
}

func TestLSNOrdering(t *testing.T) {
	low, err := ParseLSN("0/15E7A10")
	require.NoError(t, err)
	high, err := ParseLSN("1/0")
	require.NoError(t, err)
	assert.True(t, low < high)
}
