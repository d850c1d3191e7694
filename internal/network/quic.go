package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"relaymesh/internal/proto"
)

const (
	alpn                 = "relaymesh/1"
	DefaultMaxConnsPerIP = 4
	acceptStreamTimeout  = 10 * time.Second
)

var ErrClosed = errors.New("quic provider closed")

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert is a fixed self-signed certificate. Peers are authenticated by
// the secure channel above the stream, so QUIC only needs some TLS identity.
func devTLSCert() (tls.Certificate, error) {
	seed := sha256.Sum256([]byte("relaymesh-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}
}

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 15 * time.Second,
		MaxIdleTimeout:  time.Minute,
	}
}

type Options struct {
	ListenAddr    string
	MaxConnsPerIP int
	Log           *zap.Logger
}

// QUICProvider supplies raw capabilities: one bidirectional stream per
// QUIC connection, opened by the dialing side.
type QUICProvider struct {
	ln      *quic.Listener
	limiter *ipLimiter
	log     *zap.Logger

	closeOnce sync.Once
}

func Listen(opts Options) (*QUICProvider, error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.MaxConnsPerIP <= 0 {
		opts.MaxConnsPerIP = DefaultMaxConnsPerIP
	}
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(opts.ListenAddr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", opts.ListenAddr, err)
	}
	opts.Log.Info("quic listen ready", zap.Stringer("addr", ln.Addr()))
	return &QUICProvider{
		ln:      ln,
		limiter: newIPLimiter(opts.MaxConnsPerIP),
		log:     opts.Log,
	}, nil
}

func (p *QUICProvider) Addr() net.Addr { return p.ln.Addr() }

func (p *QUICProvider) Connect(ctx context.Context, addr proto.Address) (io.ReadWriteCloser, error) {
	conn, err := quic.DialAddr(ctx, string(addr), clientTLSConfig(), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("quic open stream %s: %w", addr, err)
	}
	return &streamConn{conn: conn, stream: stream}, nil
}

// Accept waits for the next inbound connection that passes the per-IP cap.
func (p *QUICProvider) Accept(ctx context.Context) (io.ReadWriteCloser, proto.Address, error) {
	for {
		conn, err := p.ln.Accept(ctx)
		if err != nil {
			if errors.Is(err, quic.ErrServerClosed) {
				return nil, "", ErrClosed
			}
			return nil, "", err
		}
		remote := conn.RemoteAddr().String()
		ip := hostForAddr(remote)
		if !p.limiter.acquireConn(ip) {
			p.log.Debug("quic accept over per-ip cap", zap.String("remote", remote))
			_ = conn.CloseWithError(1, "busy")
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, acceptStreamTimeout)
		stream, err := conn.AcceptStream(sctx)
		cancel()
		if err != nil {
			p.limiter.releaseConn(ip)
			_ = conn.CloseWithError(0, "")
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			p.log.Debug("quic accept stream failed", zap.String("remote", remote), zap.Error(err))
			continue
		}
		release := func() { p.limiter.releaseConn(ip) }
		return &streamConn{conn: conn, stream: stream, release: release}, proto.Address(remote), nil
	}
}

func (p *QUICProvider) Close() error {
	var err error
	p.closeOnce.Do(func() { err = p.ln.Close() })
	return err
}

type streamConn struct {
	conn    *quic.Conn
	stream  *quic.Stream
	release func()
	once    sync.Once
}

func (c *streamConn) Read(b []byte) (int, error)  { return c.stream.Read(b) }
func (c *streamConn) Write(b []byte) (int, error) { return c.stream.Write(b) }

// SetDeadline lets the secure handshake bound its blocking reads.
func (c *streamConn) SetDeadline(t time.Time) error { return c.stream.SetDeadline(t) }

func (c *streamConn) Close() error {
	var err error
	c.once.Do(func() {
		c.stream.CancelRead(0)
		err = multierr.Combine(
			c.stream.Close(),
			c.conn.CloseWithError(0, ""),
		)
		if c.release != nil {
			c.release()
		}
	})
	return err
}

func hostForAddr(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
