package certs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStoreIssuesAndRotates(t *testing.T) {
	s, err := NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	first, err := s.Current()
	require.NoError(t, err)
	assert.Len(t, first, 32)

	require.NoError(t, s.Rotate())

	second, err := s.Current()
	require.NoError(t, err)
	assert.Len(t, second, 32)
	assert.NotEqual(t, first, second)
}
