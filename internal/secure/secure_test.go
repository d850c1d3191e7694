package secure

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pair(t *testing.T, client, server func(ctx context.Context, c net.Conn, outbound bool) (Conn, error)) (Conn, Conn, error) {
	t.Helper()
	a, b := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	type result struct {
		c   Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := server(ctx, b, false)
		ch <- result{c, err}
	}()
	ca, errA := client(ctx, a, true)
	rb := <-ch
	if errA != nil {
		_ = b.Close()
		return nil, nil, errA
	}
	if rb.err != nil {
		_ = a.Close()
		return nil, nil, rb.err
	}
	t.Cleanup(func() {
		_ = ca.Close()
		_ = rb.c.Close()
	})
	return ca, rb.c, nil
}

func noiseUpgrade(n *Noise) func(ctx context.Context, c net.Conn, outbound bool) (Conn, error) {
	return func(ctx context.Context, c net.Conn, outbound bool) (Conn, error) {
		return n.Upgrade(ctx, c, outbound)
	}
}

func exchange(t *testing.T, a, b Conn, msg []byte) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- a.WriteMessage(msg) }()
	got, err := b.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.True(t, bytes.Equal(msg, got), "message mismatch (len %d vs %d)", len(msg), len(got))
}

func TestNoiseRoundTrip(t *testing.T) {
	kpA, err := GenerateKeypair()
	require.NoError(t, err)
	kpB, err := GenerateKeypair()
	require.NoError(t, err)

	a, b, err := pair(t, noiseUpgrade(NewNoise(kpA, nil)), noiseUpgrade(NewNoise(kpB, nil)))
	require.NoError(t, err)

	exchange(t, a, b, []byte("hello"))
	exchange(t, b, a, []byte("world"))
	big := bytes.Repeat([]byte{0x5a}, 3*maxChunk+17)
	exchange(t, a, b, big)

	assert.Equal(t, kpA.Public, b.(*noiseConn).RemoteStatic())
	assert.Equal(t, kpB.Public, a.(*noiseConn).RemoteStatic())
}

func TestNoiseNetworkKeyMismatch(t *testing.T) {
	kpA, _ := GenerateKeypair()
	kpB, _ := GenerateKeypair()
	pskA := bytes.Repeat([]byte{1}, 32)
	pskB := bytes.Repeat([]byte{2}, 32)
	_, _, err := pair(t, noiseUpgrade(NewNoise(kpA, pskA)), noiseUpgrade(NewNoise(kpB, pskB)))
	assert.Error(t, err)
}

func TestNoiseNetworkKeyMatch(t *testing.T) {
	kpA, _ := GenerateKeypair()
	kpB, _ := GenerateKeypair()
	psk := bytes.Repeat([]byte{7}, 32)
	a, b, err := pair(t, noiseUpgrade(NewNoise(kpA, psk)), noiseUpgrade(NewNoise(kpB, psk)))
	require.NoError(t, err)
	exchange(t, a, b, []byte("private overlay"))
}

func TestNoiseHandshakeHonorsDeadline(t *testing.T) {
	kp, _ := GenerateKeypair()
	a, b := net.Pipe()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// the peer never answers
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := b.Read(buf); err != nil {
				return
			}
		}
	}()
	_, err := NewNoise(kp, nil).Upgrade(ctx, a, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPlainRoundTrip(t *testing.T) {
	plain := func(ctx context.Context, c net.Conn, outbound bool) (Conn, error) {
		return Plain{}.Upgrade(ctx, c, outbound)
	}
	a, b, err := pair(t, plain, plain)
	require.NoError(t, err)
	exchange(t, a, b, []byte("frame"))
}

func TestLoadOrCreateKeypair(t *testing.T) {
	dir := t.TempDir()
	kp1, err := LoadOrCreateKeypair(dir)
	require.NoError(t, err)
	kp2, err := LoadOrCreateKeypair(dir)
	require.NoError(t, err)
	assert.Equal(t, kp1, kp2)
}
