package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/SWAI-Ltd/mqbox/internal/proto"
)

// Default idle timeout: 5 minutes (QUIC default is 30s, too short for long-lived receivers)
var defaultQuicConfig = &quic.Config{
	MaxIdleTimeout:  5 * time.Minute,
	KeepAlivePeriod: 30 * time.Second,
}

const (
	AddrLADDR = ":0"
	ProtoID   = "mqbox/1"
)

// Conn wraps a QUIC stream and its connection with frame read/write
type Conn struct {
	Stream quic.Stream
	Conn   quic.Connection
}

// NewConn wraps a QUIC stream and connection
func NewConn(stream quic.Stream, conn quic.Connection) *Conn {
	return &Conn{Stream: stream, Conn: conn}
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() string {
	if c.Conn != nil {
		return c.Conn.RemoteAddr().String()
	}
	return "unknown"
}

// SendFrame encodes and sends a frame
func (c *Conn) SendFrame(f *proto.Frame) error {
	return f.Encode(c.Stream)
}

// RecvFrame reads and decodes a frame
func (c *Conn) RecvFrame(f *proto.Frame) error {
	return f.Decode(c.Stream)
}

// SetDeadline bounds the next reads and writes on the stream. A zero time clears it.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.Stream.SetDeadline(t)
}

// Close closes the stream and the underlying connection
func (c *Conn) Close() error {
	c.Stream.CancelRead(0)
	err := c.Stream.Close()
	if c.Conn != nil {
		_ = c.Conn.CloseWithError(0, "")
	}
	return err
}

// generateTLSConfig creates a self-signed cert for development
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{ProtoID},
	}, nil
}

// Server runs a QUIC listener and hands every accepted stream to Handler.
// The connection is closed when Handler returns.
type Server struct {
	Listener *quic.Listener
	Handler  func(*Conn)

	mu     sync.Mutex
	conns  map[quic.Connection]struct{}
	closed bool
	wg     sync.WaitGroup
}

// ListenQUIC starts a QUIC server on addr with handler set before accepting.
func ListenQUIC(ctx context.Context, addr string, handler func(*Conn)) (*Server, error) {
	tlsCfg, err := generateTLSConfig()
	if err != nil {
		return nil, err
	}
	listener, err := quic.ListenAddr(addr, tlsCfg, defaultQuicConfig)
	if err != nil {
		return nil, err
	}
	s := &Server{
		Listener: listener,
		Handler:  handler,
		conns:    make(map[quic.Connection]struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return s, nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		sess, err := s.Listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return
			}
			continue
		}
		if !s.track(sess) {
			_ = sess.CloseWithError(0, "server closed")
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(sess)
			stream, err := sess.AcceptStream(ctx)
			if err != nil {
				_ = sess.CloseWithError(0, "")
				return
			}
			c := NewConn(stream, sess)
			defer c.Close()
			if s.Handler != nil {
				s.Handler(c)
			} else {
				_, _ = io.Copy(io.Discard, stream)
			}
		}()
	}
}

func (s *Server) track(sess quic.Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[sess] = struct{}{}
	return true
}

func (s *Server) untrack(sess quic.Connection) {
	s.mu.Lock()
	delete(s.conns, sess)
	s.mu.Unlock()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// LocalAddr returns the address of the QUIC listener
func (s *Server) LocalAddr() string {
	return s.Listener.Addr().String()
}

// Close stops accepting, closes every open connection and waits for handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]quic.Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	err := s.Listener.Close()
	for _, c := range conns {
		_ = c.CloseWithError(0, "server closed")
	}
	s.wg.Wait()
	return err
}

// DialQUIC connects to a QUIC server (skips cert verification for dev)
func DialQUIC(ctx context.Context, addr string) (*Conn, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ProtoID},
	}
	sess, err := quic.DialAddr(ctx, addr, tlsCfg, defaultQuicConfig)
	if err != nil {
		return nil, err
	}
	stream, err := sess.OpenStreamSync(ctx)
	if err != nil {
		_ = sess.CloseWithError(0, "")
		return nil, err
	}
	return NewConn(stream, sess), nil
}

// Advertise turns a listener address into one that other local processes can
// dial. An unspecified host is replaced by the loopback address.
func Advertise(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
