package acmetls

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"
)

const DefaultHandshakeTimeout = 30 * time.Second

// HandshakeConn defers the TLS handshake of an accepted connection to its
// first read or write. Acceptance admits the connection immediately; the
// expensive cryptography only runs when the connection is actually used, so
// a client which never sends anything delays nobody but itself.
type HandshakeConn struct {
	tlsConn          *tls.Conn
	handshakeTimeout time.Duration

	handshakeOnce sync.Once
	handshakeErr  error
}

func NewHandshakeConn(tlsConn *tls.Conn, handshakeTimeout time.Duration) *HandshakeConn {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}

	return &HandshakeConn{
		tlsConn:          tlsConn,
		handshakeTimeout: handshakeTimeout,
	}
}

// Handshake runs the TLS handshake if it has not run yet. It is called
// implicitly by the first Read or Write; a handshake failure fails this
// connection only.
func (c *HandshakeConn) Handshake() error {
	c.handshakeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(),
			c.handshakeTimeout)
		defer cancel()

		c.handshakeErr = c.tlsConn.HandshakeContext(ctx)
	})

	return c.handshakeErr
}

// NegotiatedProtocol returns the application-layer protocol negotiated
// during the handshake, running the handshake first if necessary.
func (c *HandshakeConn) NegotiatedProtocol() (string, error) {
	if err := c.Handshake(); err != nil {
		return "", err
	}

	return c.tlsConn.ConnectionState().NegotiatedProtocol, nil
}

func (c *HandshakeConn) Read(data []byte) (int, error) {
	if err := c.Handshake(); err != nil {
		return 0, err
	}

	return c.tlsConn.Read(data)
}

func (c *HandshakeConn) Write(data []byte) (int, error) {
	if err := c.Handshake(); err != nil {
		return 0, err
	}

	return c.tlsConn.Write(data)
}

func (c *HandshakeConn) Close() error {
	return c.tlsConn.Close()
}

func (c *HandshakeConn) LocalAddr() net.Addr {
	return c.tlsConn.LocalAddr()
}

func (c *HandshakeConn) RemoteAddr() net.Addr {
	return c.tlsConn.RemoteAddr()
}

func (c *HandshakeConn) SetDeadline(t time.Time) error {
	return c.tlsConn.SetDeadline(t)
}

func (c *HandshakeConn) SetReadDeadline(t time.Time) error {
	return c.tlsConn.SetReadDeadline(t)
}

func (c *HandshakeConn) SetWriteDeadline(t time.Time) error {
	return c.tlsConn.SetWriteDeadline(t)
}
