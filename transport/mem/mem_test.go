package mem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softheci/pkg"
	"github.com/ardnew/softheci/transport"
)

func openPair(t *testing.T, maxPayload int) (transport.Channel, transport.Channel) {
	t.Helper()
	fw, host := Pipe(maxPayload)
	ctx := context.Background()

	a, err := fw.Open(ctx, transport.PeerHost, transport.ProtocolHECI)
	require.NoError(t, err)
	b, err := host.Open(ctx, transport.PeerHost, transport.ProtocolHECI)
	require.NoError(t, err)
	return a, b
}

func TestPipe_Delivery(t *testing.T) {
	fw, host := openPair(t, 0)
	ctx := context.Background()

	msg := []byte{0x01, 0x02, 0x03}
	n, err := fw.Write(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Mutating the source after Write must not affect the delivery
	msg[0] = 0xFF

	buf := make([]byte, transport.IPCMaxPayload)
	n, err = host.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, buf[:n])

	_, err = host.Write(ctx, []byte{0xAA})
	require.NoError(t, err)
	n, err = fw.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA}, buf[:n])
}

func TestPipe_Ordering(t *testing.T) {
	fw, host := openPair(t, 0)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := fw.Write(ctx, []byte{byte(i)})
		require.NoError(t, err)
	}

	buf := make([]byte, 4)
	for i := 0; i < 10; i++ {
		n, err := host.Read(ctx, buf)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		assert.Equal(t, byte(i), buf[0])
	}
}

func TestPipe_MaxPayload(t *testing.T) {
	fw, _ := openPair(t, 8)
	assert.Equal(t, 8, fw.MaxPayload())

	_, err := fw.Write(context.Background(), make([]byte, 9))
	assert.ErrorIs(t, err, pkg.ErrMessageTooLarge)
}

func TestPipe_Truncation(t *testing.T) {
	fw, host := openPair(t, 0)
	ctx := context.Background()

	_, err := fw.Write(ctx, []byte{1, 2, 3, 4, 5})
	require.NoError(t, err)

	buf := make([]byte, 2)
	n, err := host.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPipe_ReadCancelled(t *testing.T) {
	_, host := openPair(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := host.Read(ctx, make([]byte, 8))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipe_Close(t *testing.T) {
	fw, host := openPair(t, 0)

	done := make(chan error, 1)
	go func() {
		_, err := host.Read(context.Background(), make([]byte, 8))
		done <- err
	}()

	require.NoError(t, fw.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, pkg.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked read not released by Close")
	}

	_, err := fw.Write(context.Background(), []byte{1})
	assert.ErrorIs(t, err, pkg.ErrClosed)
}

func TestPipe_ClosedAlwaysRejects(t *testing.T) {
	fw, host := openPair(t, 0)

	// Leave data queued so every select has a ready case
	_, err := fw.Write(context.Background(), []byte{1})
	require.NoError(t, err)
	require.NoError(t, fw.Close())

	for i := range 100 {
		_, err := fw.Write(context.Background(), []byte{2})
		require.ErrorIs(t, err, pkg.ErrClosed, "write %d", i)
		_, err = host.Read(context.Background(), make([]byte, 8))
		require.ErrorIs(t, err, pkg.ErrClosed, "read %d", i)
	}
}

func TestPipe_CancelledAlwaysRejects(t *testing.T) {
	fw, host := openPair(t, 0)
	_, err := fw.Write(context.Background(), []byte{1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := range 100 {
		_, err := fw.Write(ctx, []byte{2})
		require.ErrorIs(t, err, context.Canceled, "write %d", i)
		_, err = host.Read(ctx, make([]byte, 8))
		require.ErrorIs(t, err, context.Canceled, "read %d", i)
	}

	// The queued delivery is still there
	n, err := host.Read(context.Background(), make([]byte, 8))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTransport_OpenOnce(t *testing.T) {
	fw, _ := Pipe(0)
	ctx := context.Background()

	_, err := fw.Open(ctx, transport.PeerHost, transport.ProtocolHECI)
	require.NoError(t, err)

	_, err = fw.Open(ctx, transport.PeerHost, transport.ProtocolHECI)
	assert.ErrorIs(t, err, pkg.ErrAlreadyRunning)
}

func TestWriteTimestamp(t *testing.T) {
	fw, _ := openPair(t, 0)

	before := time.Now()
	n, ts, err := transport.WriteTimestamp(context.Background(), fw, []byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, ts.Before(before))
}
