package acmetls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrNoTLSConfig is returned by a reloading listener for connections
// accepted before any TLS configuration arrived. The connection is closed;
// the listener itself keeps accepting.
var ErrNoTLSConfig = errors.New("no TLS configuration available")

// TLSListener wraps a plain listener and handshakes accepted connections
// with a fixed acceptor context built once from a backend.
type TLSListener struct {
	Log Logger

	inner            net.Listener
	tlsCfg           *tls.Config
	handshakeTimeout time.Duration
}

type TLSListenerCfg struct {
	Log Logger `json:"-"`

	HandshakeTimeout time.Duration `json:"handshake_timeout,omitempty"`
}

func NewTLSListener(inner net.Listener, backend Backend, cfg TLSListenerCfg) (*TLSListener, error) {
	if cfg.Log == nil {
		cfg.Log = NewDefaultLogger()
	}

	tlsCfg, err := backend.ServerConfig()
	if err != nil {
		return nil, fmt.Errorf("cannot build TLS configuration: %w", err)
	}

	l := TLSListener{
		Log: cfg.Log,

		inner:            inner,
		tlsCfg:           tlsCfg,
		handshakeTimeout: cfg.HandshakeTimeout,
	}

	return &l, nil
}

func (l *TLSListener) Accept() (net.Conn, error) {
	conn, err := l.inner.Accept()
	if err != nil {
		return nil, err
	}

	return NewHandshakeConn(tls.Server(conn, l.tlsCfg),
		l.handshakeTimeout), nil
}

func (l *TLSListener) Close() error {
	return l.inner.Close()
}

func (l *TLSListener) Addr() net.Addr {
	return l.inner.Addr()
}

// ReloadingTLSListener wraps a plain listener and consumes a stream of
// backend snapshots, swapping its acceptor context whenever a new one
// arrives. Connections are handshaked with whichever context is current at
// accept time; in-flight connections keep the context they started with.
//
// Closing the backend channel stops reloads but keeps the last context
// serving.
type ReloadingTLSListener struct {
	Log Logger

	inner            net.Listener
	backends         <-chan Backend
	handshakeTimeout time.Duration

	conns      chan net.Conn
	quitChan   chan struct{}
	acceptDone chan struct{}

	mutex     sync.Mutex
	tlsCfg    *tls.Config
	acceptErr error

	closeOnce sync.Once
}

type ReloadingTLSListenerCfg struct {
	Log Logger `json:"-"`

	HandshakeTimeout time.Duration `json:"handshake_timeout,omitempty"`
}

func NewReloadingTLSListener(inner net.Listener, backends <-chan Backend, cfg ReloadingTLSListenerCfg) *ReloadingTLSListener {
	if cfg.Log == nil {
		cfg.Log = NewDefaultLogger()
	}

	l := ReloadingTLSListener{
		Log: cfg.Log,

		inner:            inner,
		backends:         backends,
		handshakeTimeout: cfg.HandshakeTimeout,

		conns:      make(chan net.Conn),
		quitChan:   make(chan struct{}),
		acceptDone: make(chan struct{}),
	}

	go l.acceptLoop()

	return &l
}

func (l *ReloadingTLSListener) acceptLoop() {
	for {
		conn, err := l.inner.Accept()
		if err != nil {
			l.mutex.Lock()
			l.acceptErr = err
			l.mutex.Unlock()

			close(l.acceptDone)
			return
		}

		select {
		case l.conns <- conn:
		case <-l.quitChan:
			conn.Close()
			return
		}
	}
}

// Accept races the arrival of the next configuration snapshot against the
// arrival of the next connection. A connection accepted before any
// configuration ever arrived fails with ErrNoTLSConfig instead of blocking.
//
// Once the listener is closed or its accept loop fails, Accept returns the
// same error for every subsequent call.
func (l *ReloadingTLSListener) Accept() (net.Conn, error) {
	backends := l.backends

	for {
		select {
		case <-l.quitChan:
			return nil, net.ErrClosed

		case <-l.acceptDone:
			return nil, l.acceptError()

		case backend, ok := <-backends:
			if !ok {
				backends = nil
				continue
			}

			l.applyBackend(backend)

		case conn := <-l.conns:
			// Configuration updates queued before this connection was
			// accepted must win the race: drain them first.
			l.drainBackends(backends)

			tlsCfg := l.currentConfig()
			if tlsCfg == nil {
				conn.Close()
				return nil, ErrNoTLSConfig
			}

			return NewHandshakeConn(tls.Server(conn, tlsCfg),
				l.handshakeTimeout), nil
		}
	}
}

func (l *ReloadingTLSListener) drainBackends(backends <-chan Backend) {
	if backends == nil {
		return
	}

	for {
		select {
		case backend, ok := <-backends:
			if !ok {
				return
			}

			l.applyBackend(backend)

		default:
			return
		}
	}
}

// applyBackend swaps the acceptor context. An invalid configuration is
// logged and the previous context is retained.
func (l *ReloadingTLSListener) applyBackend(backend Backend) {
	tlsCfg, err := backend.ServerConfig()
	if err != nil {
		l.Log.Error("invalid TLS configuration: %v", err)
		return
	}

	l.mutex.Lock()
	if l.tlsCfg == nil {
		l.Log.Info("TLS configuration loaded")
	} else {
		l.Log.Info("TLS configuration changed")
	}
	l.tlsCfg = tlsCfg
	l.mutex.Unlock()
}

func (l *ReloadingTLSListener) currentConfig() *tls.Config {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.tlsCfg
}

func (l *ReloadingTLSListener) acceptError() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.acceptErr
}

func (l *ReloadingTLSListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.quitChan)
		err = l.inner.Close()
	})

	return err
}

func (l *ReloadingTLSListener) Addr() net.Addr {
	return l.inner.Addr()
}
