package hostimage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcturus-re/vmdevirt/internal/hostimage"
)

func TestSection_BytesWithinBounds(t *testing.T) {
	s := hostimage.NewSection(0x100, []byte{1, 2, 3, 4})

	got, err := s.Bytes(0x101, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 3}, got)
}

func TestSection_BytesBeforeBaseFails(t *testing.T) {
	s := hostimage.NewSection(0x100, []byte{1, 2, 3, 4})

	_, err := s.Bytes(0xFF, 1)
	assert.Error(t, err)
}

func TestSection_BytesPastEndFails(t *testing.T) {
	s := hostimage.NewSection(0x100, []byte{1, 2, 3, 4})

	_, err := s.Bytes(0x103, 2)
	assert.Error(t, err)
}

func TestSection_CopiesItsBacking(t *testing.T) {
	backing := []byte{1, 2, 3, 4}
	s := hostimage.NewSection(0, backing)
	backing[0] = 99

	got, err := s.Bytes(0, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(1), got[0])
}

func TestSection_Contains(t *testing.T) {
	s := hostimage.NewSection(0x100, []byte{1, 2, 3, 4})

	assert.True(t, s.Contains(0x100))
	assert.True(t, s.Contains(0x103))
	assert.False(t, s.Contains(0x104))
	assert.False(t, s.Contains(0xFF))
}
