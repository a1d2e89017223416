package journal

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lsst-ts/mtreflector/internal/config"
)

func TestOpenUnreachableDatabase(t *testing.T) {
	// grab a port that nothing listens on
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = Open(ctx, config.JournalConfig{
		Host:           "127.0.0.1",
		Port:           port,
		Database:       "mtreflector",
		User:           "mtreflector",
		Password:       "pw",
		MaxConnections: 1,
	}, zap.NewNop())
	require.Error(t, err)
}
