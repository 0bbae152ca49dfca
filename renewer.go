package acmetls

import (
	"context"
	"time"
	"weak"
)

const (
	DefaultCheckInterval  = 10 * time.Minute
	DefaultRenewBefore    = 30 * 24 * time.Hour
	DefaultAttemptTimeout = 5 * time.Minute
)

// CertificateRenewer periodically checks the freshness of the identity held
// by a certificate store and runs an issuance attempt when it is missing or
// close to expiry.
//
// The renewer only holds a weak reference to the store: it must not keep the
// listener it serves alive. Once the last strong owner of the store is gone,
// the next wake-up fails to upgrade the reference and the loop terminates on
// its own, without any explicit cancellation signal.
type CertificateRenewer struct {
	Log    Logger
	Client *Client

	store          weak.Pointer[CertificateStore]
	identifiers    []Identifier
	validity       int
	checkInterval  time.Duration
	renewBefore    time.Duration
	attemptTimeout time.Duration

	doneChan chan struct{}
}

type CertificateRenewerCfg struct {
	Log    Logger `json:"-"`
	Client *Client

	Identifiers []Identifier
	Validity    int // days

	CheckInterval time.Duration
	RenewBefore   time.Duration

	// AttemptTimeout bounds a whole issuance attempt, polling included. An
	// attempt which does not complete within it is abandoned; the next tick
	// starts over.
	AttemptTimeout time.Duration
}

// StartCertificateRenewer spawns the renewal loop for a store. The store is
// captured weakly; the caller keeps ownership.
func StartCertificateRenewer(store *CertificateStore, cfg CertificateRenewerCfg) *CertificateRenewer {
	if cfg.Log == nil {
		cfg.Log = NewDefaultLogger()
	}

	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}

	if cfg.RenewBefore <= 0 {
		cfg.RenewBefore = DefaultRenewBefore
	}

	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}

	r := CertificateRenewer{
		Log:    cfg.Log,
		Client: cfg.Client,

		store:          weak.Make(store),
		identifiers:    cfg.Identifiers,
		validity:       cfg.Validity,
		checkInterval:  cfg.CheckInterval,
		renewBefore:    cfg.RenewBefore,
		attemptTimeout: cfg.AttemptTimeout,

		doneChan: make(chan struct{}),
	}

	go r.main()

	return &r
}

// Done is closed when the renewal loop has terminated.
func (r *CertificateRenewer) Done() <-chan struct{} {
	return r.doneChan
}

func (r *CertificateRenewer) main() {
	defer close(r.doneChan)

	for {
		store := r.store.Value()
		if store == nil {
			r.Log.Info("certificate store released, stopping renewal")
			return
		}

		if store.WillExpire(r.renewBefore) {
			r.renew(store)
		}

		// The strong reference obtained for this tick must not survive the
		// sleep, otherwise the store would never become unreachable.
		store = nil

		time.Sleep(r.checkInterval)
	}
}

// renew runs a single issuance attempt. Failures are logged and swallowed:
// the previous identity stays in the store and the next tick starts a fresh
// attempt.
func (r *CertificateRenewer) renew(store *CertificateStore) {
	r.Log.Info("renewing certificate")

	ctx, cancel := context.WithTimeout(context.Background(),
		r.attemptTimeout)
	defer cancel()

	_, err := r.Client.RequestCertificate(ctx, store, r.identifiers,
		r.validity)
	if err != nil {
		r.Log.Error("cannot issue certificate: %v", err)
		return
	}

	r.Log.Info("certificate renewed")
}
