package rediskey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildSequenceKey(t *testing.T) {
	require.Equal(t, "seq:TXN:123:240309", BuildSequenceKey("TXN", "123", "240309"))
	require.Equal(t, "wallet:x", NamespaceKey("wallet", "x"))
}
