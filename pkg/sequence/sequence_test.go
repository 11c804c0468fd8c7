package sequence

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatCode(t *testing.T) {
	require.Equal(t, "TXN-240309-001AB", FormatCode("TXN", "240309", 1, "AB"))
	require.Equal(t, "TXN-240309-00Z", FormatCode("TXN", "240309", 35, ""))
	require.Equal(t, "TXN-240309-1000", FormatCode("TXN", "240309", 36*36*36, ""))
}

func TestRandomAlphaNumeric(t *testing.T) {
	s, err := randomAlphaNumeric(8)
	require.NoError(t, err)
	require.Len(t, s, 8)
	require.NotContains(t, s, "0")
	require.NotContains(t, s, "O")
}
