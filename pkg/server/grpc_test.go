package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"guildwallet/pkg/errutil"
)

func TestErrorInterceptor(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: "/guildwallet.v1.Wallet/Transfer"}

	_, err := ErrorInterceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		return nil, errutil.Conflict("wallet row changed", nil)
	})
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.Aborted, st.Code())

	resp, err := ErrorInterceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", resp)
}
