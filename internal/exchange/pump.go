package exchange

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

var errPumpClosed = errors.New("connection closed")

// pump moves frames between a MessageConn and two bounded queues so the
// worker loops never block on the network.
type pump struct {
	mc  MessageConn
	out chan []byte
	in  chan []byte

	done      chan struct{}
	closeOnce sync.Once
	errOnce   sync.Once
	err       atomic.Pointer[error]

	sentBytes     atomic.Uint64
	receivedBytes atomic.Uint64
	onSent        func(int)
	onReceived    func(int)
}

func newPump(mc MessageConn, onSent, onReceived func(int)) *pump {
	return &pump{
		mc:         mc,
		out:        make(chan []byte, outQueueSize),
		in:         make(chan []byte, inQueueSize),
		done:       make(chan struct{}),
		onSent:     onSent,
		onReceived: onReceived,
	}
}

func (p *pump) start() {
	go p.readLoop()
	go p.writeLoop()
}

func (p *pump) readLoop() {
	for {
		msg, err := p.mc.ReadMessage()
		if err != nil {
			p.fail(err)
			return
		}
		p.receivedBytes.Add(uint64(len(msg)))
		if p.onReceived != nil {
			p.onReceived(len(msg))
		}
		select {
		case p.in <- msg:
		case <-p.done:
			return
		}
	}
}

func (p *pump) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.out:
			if err := p.mc.WriteMessage(frame); err != nil {
				p.fail(err)
				return
			}
			p.sentBytes.Add(uint64(len(frame)))
			if p.onSent != nil {
				p.onSent(len(frame))
			}
		}
	}
}

func (p *pump) fail(err error) {
	if errors.Is(err, io.EOF) {
		err = errPumpClosed
	}
	p.errOnce.Do(func() { p.err.Store(&err) })
}

// Err reports the first transport failure, if any.
func (p *pump) Err() error {
	if e := p.err.Load(); e != nil {
		return *e
	}
	return nil
}

// CanSend reports whether TryEnqueue would accept a frame. Only the owning
// send worker enqueues, so the answer holds until it does.
func (p *pump) CanSend() bool {
	return p.Err() == nil && len(p.out) < cap(p.out)
}

func (p *pump) TryEnqueue(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.out <- frame:
		return true
	default:
		return false
	}
}

func (p *pump) TryDequeue() ([]byte, bool) {
	select {
	case msg := <-p.in:
		return msg, true
	default:
		return nil, false
	}
}

func (p *pump) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.mc.Close()
	})
	return err
}
