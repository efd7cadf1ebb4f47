package commander

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ivanli-cn/flash-programmer/internal/engine"
	"github.com/ivanli-cn/flash-programmer/pkg/flash"
)

func newTestCommander(t *testing.T) *Commander {
	t.Helper()
	hostConn, devConn := net.Pipe()

	sim := flash.NewSimFlash(flash.JEDECID)
	op := flash.NewPeriphOperator(sim, sim, 0)
	sess := engine.NewSession(op)
	eng := engine.NewEngine(devConn, sess)
	go func() { _ = eng.Run() }()
	t.Cleanup(func() { hostConn.Close() })

	return New(hostConn)
}

func TestCommanderInfo(t *testing.T) {
	c := newTestCommander(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := c.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, flash.JEDECID, info.JEDECID)
	require.Equal(t, flash.TotalSize, info.TotalSize)
}

func TestCommanderWriteFileVerifies(t *testing.T) {
	c := newTestCommander(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data := bytes.Repeat([]byte("flash programmer commander test data\n"), 50)
	require.NoError(t, c.WriteFile(ctx, 0, bytes.NewReader(data), int64(len(data)), nil))

	got, err := c.Read(ctx, 0, uint32(len(data)))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestCommanderStreamWriteFileMatchesPlainWrite(t *testing.T) {
	cStream := newTestCommander(t)
	cPlain := newTestCommander(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data := bytes.Repeat([]byte("abcdefghijklmnopqrstuvwxyz0123456789"), 200)

	require.NoError(t, cStream.StreamWriteFile(ctx, 0, bytes.NewReader(data), int64(len(data)), nil))
	require.NoError(t, cPlain.WriteFile(ctx, 0, bytes.NewReader(data), int64(len(data)), nil))

	gotStream, err := cStream.Read(ctx, 0, uint32(len(data)))
	require.NoError(t, err)
	gotPlain, err := cPlain.Read(ctx, 0, uint32(len(data)))
	require.NoError(t, err)

	require.Equal(t, data, gotStream)
	require.Equal(t, data, gotPlain)
}

func TestCommanderVerify(t *testing.T) {
	c := newTestCommander(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data := []byte("Hello Flash Test 123\n")
	require.NoError(t, c.WriteFile(ctx, 0, bytes.NewReader(data), int64(len(data)), nil))

	equal, _, err := c.Verify(ctx, 0, data)
	require.NoError(t, err)
	require.True(t, equal)

	corrupt := append([]byte(nil), data...)
	corrupt[len(corrupt)-1] ^= 0xFF
	equal, actualCRC, err := c.Verify(ctx, 0, corrupt)
	require.NoError(t, err)
	require.False(t, equal)
	require.NotZero(t, actualCRC)
}

func TestCommanderStatusAfterLongErase(t *testing.T) {
	c := newTestCommander(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, c.Erase(ctx, 0, flash.TotalSize))

	sr, err := c.Status(ctx)
	require.NoError(t, err)
	require.False(t, sr.Busy())
}
