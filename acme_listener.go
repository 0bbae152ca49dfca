package acmetls

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

type AcmeListenerCfg struct {
	Log        Logger       `json:"-"`
	HTTPClient *http.Client `json:"-"`
	DataStore  DataStore    `json:"-"`

	DirectoryURI  string   `json:"directory_uri"`
	DirectoryName string   `json:"directory_name"`
	Domains       []string `json:"domains"`
	ContactURIs   []string `json:"contact_uris,omitempty"`

	ChallengeType ChallengeType `json:"challenge_type"`

	// Address of the embedded HTTP-01 challenge server. Leave empty to serve
	// the well-known challenge path from an external HTTP server using
	// HTTPChallengeHandler.
	HTTPChallengeSolverAddress string `json:"http_challenge_solver_address,omitempty"`

	ALPNProtocols []string `json:"alpn_protocols,omitempty"`

	CertificateValidity int           `json:"certificate_validity,omitempty"` // days
	CheckInterval       time.Duration `json:"-"`
	RenewBefore         time.Duration `json:"-"`
	HandshakeTimeout    time.Duration `json:"-"`
}

// AcmeListener wraps a plain listener and serves an identity automatically
// obtained and renewed through the ACME protocol.
//
// The listener owns the certificate store; the renewal loop only observes it
// weakly and winds down on its own once the listener is garbage.
type AcmeListener struct {
	Log    Logger
	Cfg    AcmeListenerCfg
	Client *Client

	inner       net.Listener
	store       *CertificateStore
	tlsListener *TLSListener
	renewer     *CertificateRenewer
	httpSolver  *HTTPChallengeSolver
}

// NewAcmeListener validates the configuration, contacts the authority and
// starts the renewal loop. It fails synchronously on misconfiguration or
// when the authority is unreachable: it never returns a listener which could
// not possibly obtain a certificate.
//
// The first certificate is obtained in the background; use WaitForIdentity
// to block until handshakes can be served.
func NewAcmeListener(ctx context.Context, inner net.Listener, cfg AcmeListenerCfg) (*AcmeListener, error) {
	if cfg.Log == nil {
		cfg.Log = NewDefaultLogger()
	}

	if len(cfg.Domains) == 0 {
		return nil, fmt.Errorf("empty domain set")
	}

	var httpSolver *HTTPChallengeSolver

	switch cfg.ChallengeType {
	case ChallengeTypeHTTP01:
		httpSolver = NewHTTPChallengeSolver(HTTPChallengeSolverCfg{
			Log:     cfg.Log,
			Address: cfg.HTTPChallengeSolverAddress,
		})

	case ChallengeTypeTLSALPN01:

	case "":
		return nil, fmt.Errorf("missing challenge type")

	default:
		return nil, fmt.Errorf("unknown challenge type %q", cfg.ChallengeType)
	}

	client, err := NewClient(ClientCfg{
		Log:                 cfg.Log,
		HTTPClient:          cfg.HTTPClient,
		DataStore:           cfg.DataStore,
		HTTPChallengeSolver: httpSolver,

		DirectoryURI:  cfg.DirectoryURI,
		DirectoryName: cfg.DirectoryName,
		ContactURIs:   cfg.ContactURIs,
		ChallengeType: cfg.ChallengeType,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create client: %w", err)
	}

	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("cannot start client: %w", err)
	}

	store := NewCertificateStore()

	l := AcmeListener{
		Log:    cfg.Log,
		Cfg:    cfg,
		Client: client,

		inner:      inner,
		store:      store,
		httpSolver: httpSolver,
	}

	l.loadCachedIdentity()

	alpnProtocols := cfg.ALPNProtocols
	if len(alpnProtocols) == 0 {
		alpnProtocols = []string{"h2", "http/1.1"}
	}

	if cfg.ChallengeType == ChallengeTypeTLSALPN01 {
		alpnProtocols = append(alpnProtocols, ACMETLSALPNProtocol)
	}

	backend := ResolverBackend{
		GetCertificate: NewCertificateResolver(store).GetCertificate,
		ALPNProtocols:  alpnProtocols,
	}

	tlsListener, err := NewTLSListener(inner, &backend, TLSListenerCfg{
		Log:              cfg.Log,
		HandshakeTimeout: cfg.HandshakeTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create TLS listener: %w", err)
	}

	l.tlsListener = tlsListener

	if httpSolver != nil && cfg.HTTPChallengeSolverAddress != "" {
		if err := httpSolver.Start(); err != nil {
			return nil, fmt.Errorf("cannot start HTTP challenge solver: %w",
				err)
		}
	}

	l.renewer = StartCertificateRenewer(store, CertificateRenewerCfg{
		Log:    cfg.Log,
		Client: client,

		Identifiers: DNSIdentifiers(cfg.Domains),
		Validity:    cfg.CertificateValidity,

		CheckInterval: cfg.CheckInterval,
		RenewBefore:   cfg.RenewBefore,
	})

	return &l, nil
}

// loadCachedIdentity seeds the store from the data store. Missing or
// malformed cached material is not an error: the renewal loop will obtain a
// fresh certificate.
func (l *AcmeListener) loadCachedIdentity() {
	directoryName := l.Client.Cfg.DirectoryName
	dataStore := l.Client.Cfg.DataStore

	keyData, err := dataStore.ReadPrivateKey(directoryName, l.Cfg.Domains)
	if err != nil {
		l.Log.Error("cannot read cached private key: %v", err)
		return
	}

	certData, err := dataStore.ReadCertificate(directoryName, l.Cfg.Domains)
	if err != nil {
		l.Log.Error("cannot read cached certificate: %v", err)
		return
	}

	if keyData == nil || certData == nil {
		return
	}

	privateKey, err := DecodePEMPrivateKey(keyData)
	if err != nil {
		l.Log.Error("cannot parse cached private key: %v", err)
		return
	}

	chain, err := DecodePEMCertificateChain(certData)
	if err != nil {
		l.Log.Error("cannot parse cached certificate chain: %v", err)
		return
	}

	identity, err := NewCertifiedIdentity(chain, privateKey)
	if err != nil {
		l.Log.Error("cannot build cached identity: %v", err)
		return
	}

	l.Log.Debug(1, "using cached certificate")
	l.store.SetIdentity(identity)
}

// WaitForIdentity blocks until the store holds an identity, i.e. until
// handshakes can be served.
func (l *AcmeListener) WaitForIdentity(ctx context.Context) error {
	for l.store.Identity() == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	return nil
}

// Store returns the certificate store of the listener. The listener is the
// strong owner; holders of the returned pointer extend the lifetime of the
// renewal loop.
func (l *AcmeListener) Store() *CertificateStore {
	return l.store
}

// HTTPChallengeHandler returns the handler answering HTTP-01 challenges, to
// be mounted on an externally owned HTTP server under the well-known
// challenge path. It returns nil when the listener does not use HTTP-01.
func (l *AcmeListener) HTTPChallengeHandler() http.Handler {
	if l.httpSolver == nil {
		return nil
	}

	return l.httpSolver.Handler()
}

func (l *AcmeListener) Accept() (net.Conn, error) {
	return l.tlsListener.Accept()
}

// Close stops accepting connections. The renewal loop is not signaled: it
// terminates on its own once the listener, and with it the store, becomes
// unreachable.
func (l *AcmeListener) Close() error {
	err := l.inner.Close()

	if l.httpSolver != nil && l.Cfg.HTTPChallengeSolverAddress != "" {
		l.httpSolver.Stop()
	}

	l.Client.Stop()

	return err
}

func (l *AcmeListener) Addr() net.Addr {
	return l.inner.Addr()
}
