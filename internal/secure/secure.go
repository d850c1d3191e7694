// Package secure turns a raw capability into a message-oriented channel.
package secure

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"relaymesh/internal/proto"
)

type Conn interface {
	WriteMessage(msg []byte) error
	ReadMessage() ([]byte, error)
	Close() error
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// watchContext closes rw when ctx ends before stop is called, unblocking a stuck handshake.
func watchContext(ctx context.Context, rw io.Closer) (stop func()) {
	if d, ok := rw.(deadliner); ok {
		if dl, ok := ctx.Deadline(); ok {
			_ = d.SetDeadline(dl)
		}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = rw.Close()
		case <-done:
		}
	}()
	return func() {
		close(done)
		if d, ok := rw.(deadliner); ok {
			_ = d.SetDeadline(time.Time{})
		}
	}
}

// contextError reports ctx expiry even when a transport deadline fired first.
func contextError(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		return context.DeadlineExceeded
	}
	return nil
}

// Plain frames messages without encryption, for transports that already
// provide confidentiality (QUIC) and for tests.
type Plain struct{}

func (Plain) Upgrade(ctx context.Context, rw io.ReadWriteCloser, outbound bool) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &plainConn{rw: rw, br: bufio.NewReader(rw)}, nil
}

type plainConn struct {
	rw   io.ReadWriteCloser
	br   *bufio.Reader
	wmu  sync.Mutex
	rmu  sync.Mutex
	once sync.Once
}

func (c *plainConn) WriteMessage(msg []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return proto.WriteFrame(c.rw, msg)
}

func (c *plainConn) ReadMessage() ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	return proto.ReadFrame(c.br, proto.MaxFrameSize)
}

func (c *plainConn) Close() error {
	var err error
	c.once.Do(func() { err = c.rw.Close() })
	return err
}
