package secure

import (
	"bufio"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/flynn/noise"

	"relaymesh/internal/crypto"
	"relaymesh/internal/proto"
)

const (
	maxRecord = noise.MaxMsgLen
	// one flag byte plus the AEAD tag share a record with the chunk
	maxChunk = maxRecord - 16 - 1

	flagLast byte = 0
	flagMore byte = 1
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

func GenerateKeypair() (noise.DHKey, error) {
	return noise.DH25519.GenerateKeypair(rand.Reader)
}

func LoadOrCreateKeypair(dir string) (noise.DHKey, error) {
	pub, priv, err := crypto.LoadKeypair(dir)
	if err == nil {
		if len(pub) != 32 || len(priv) != 32 {
			return noise.DHKey{}, fmt.Errorf("static key in %s has wrong size", dir)
		}
		return noise.DHKey{Private: priv, Public: pub}, nil
	}
	if !os.IsNotExist(err) {
		return noise.DHKey{}, err
	}
	kp, err := GenerateKeypair()
	if err != nil {
		return noise.DHKey{}, err
	}
	if err := crypto.SaveKeypair(dir, kp.Public, kp.Private); err != nil {
		return noise.DHKey{}, err
	}
	return kp, nil
}

// Noise runs an XX handshake, mixing in the network key as psk3 when set.
type Noise struct {
	static noise.DHKey
	psk    []byte
}

func NewNoise(static noise.DHKey, psk []byte) *Noise {
	return &Noise{static: static, psk: psk}
}

func (n *Noise) Upgrade(ctx context.Context, rw io.ReadWriteCloser, outbound bool) (Conn, error) {
	cfg := noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     outbound,
		StaticKeypair: n.static,
	}
	if len(n.psk) > 0 {
		cfg.PresharedKey = n.psk
		cfg.PresharedKeyPlacement = 3
	}
	hs, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, fmt.Errorf("noise state: %w", err)
	}

	stop := watchContext(ctx, rw)
	defer stop()

	br := bufio.NewReader(rw)
	var send, recv *noise.CipherState
	if outbound {
		send, recv, err = initiate(rw, br, hs)
	} else {
		send, recv, err = respond(rw, br, hs)
	}
	if err != nil {
		if ctxErr := contextError(ctx); ctxErr != nil {
			return nil, fmt.Errorf("noise handshake: %w", ctxErr)
		}
		return nil, fmt.Errorf("noise handshake: %w", err)
	}
	return &noiseConn{
		rw:     rw,
		br:     br,
		send:   send,
		recv:   recv,
		remote: hs.PeerStatic(),
	}, nil
}

// initiate runs the XX initiator side:
//
//	-> e
//	<- e, ee, s, es
//	-> s, se
func initiate(w io.Writer, r proto.FrameReader, hs *noise.HandshakeState) (*noise.CipherState, *noise.CipherState, error) {
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, err
	}
	if err := proto.WriteFrame(w, msg); err != nil {
		return nil, nil, err
	}
	in, err := proto.ReadFrame(r, maxRecord)
	if err != nil {
		return nil, nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, in); err != nil {
		return nil, nil, err
	}
	msg, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, err
	}
	if err := proto.WriteFrame(w, msg); err != nil {
		return nil, nil, err
	}
	return cs1, cs2, nil
}

func respond(w io.Writer, r proto.FrameReader, hs *noise.HandshakeState) (*noise.CipherState, *noise.CipherState, error) {
	in, err := proto.ReadFrame(r, maxRecord)
	if err != nil {
		return nil, nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, in); err != nil {
		return nil, nil, err
	}
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, err
	}
	if err := proto.WriteFrame(w, msg); err != nil {
		return nil, nil, err
	}
	in, err = proto.ReadFrame(r, maxRecord)
	if err != nil {
		return nil, nil, err
	}
	_, cs1, cs2, err := hs.ReadMessage(nil, in)
	if err != nil {
		return nil, nil, err
	}
	return cs2, cs1, nil
}

type noiseConn struct {
	rw     io.ReadWriteCloser
	br     *bufio.Reader
	send   *noise.CipherState
	recv   *noise.CipherState
	remote []byte

	wmu  sync.Mutex
	rmu  sync.Mutex
	once sync.Once
}

func (c *noiseConn) RemoteStatic() []byte {
	return c.remote
}

func (c *noiseConn) WriteMessage(msg []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if len(msg) > proto.MaxFrameSize {
		return fmt.Errorf("message too large: %d", len(msg))
	}
	plain := make([]byte, 0, maxChunk+1)
	for {
		n := min(len(msg), maxChunk)
		flag := flagLast
		if n < len(msg) {
			flag = flagMore
		}
		plain = append(plain[:0], flag)
		plain = append(plain, msg[:n]...)
		ct, err := c.send.Encrypt(nil, nil, plain)
		if err != nil {
			return fmt.Errorf("encrypt: %w", err)
		}
		if err := proto.WriteFrame(c.rw, ct); err != nil {
			return err
		}
		msg = msg[n:]
		if flag == flagLast {
			return nil
		}
	}
}

func (c *noiseConn) ReadMessage() ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	var out []byte
	for {
		ct, err := proto.ReadFrame(c.br, maxRecord)
		if err != nil {
			return nil, err
		}
		pt, err := c.recv.Decrypt(nil, nil, ct)
		if err != nil {
			return nil, fmt.Errorf("decrypt: %w", err)
		}
		if len(pt) == 0 {
			return nil, fmt.Errorf("empty record")
		}
		out = append(out, pt[1:]...)
		if len(out) > proto.MaxFrameSize {
			return nil, fmt.Errorf("message exceeds %d bytes", proto.MaxFrameSize)
		}
		if pt[0] == flagLast {
			return out, nil
		}
	}
}

func (c *noiseConn) Close() error {
	var err error
	c.once.Do(func() { err = c.rw.Close() })
	return err
}
