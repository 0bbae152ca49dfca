package acmetls

import (
	"context"
	"fmt"
	"time"
)

// IssuanceState identifies a step of an issuance attempt. States form a
// linear progression; any step failure moves the attempt to
// IssuanceStateErrored, which is terminal for that attempt only. The caller
// decides whether and when to start a fresh attempt.
type IssuanceState string

const (
	IssuanceStateStart              IssuanceState = "start"
	IssuanceStateAccountReady       IssuanceState = "account-ready"
	IssuanceStateOrderCreated       IssuanceState = "order-created"
	IssuanceStateChallengeSubmitted IssuanceState = "challenge-submitted"
	IssuanceStateValidating         IssuanceState = "validating"
	IssuanceStateFinalizing         IssuanceState = "finalizing"
	IssuanceStateCertificateReady   IssuanceState = "certificate-ready"
	IssuanceStateErrored            IssuanceState = "errored"
)

// issuance drives a single certificate issuance attempt. Attempts are never
// retried internally: the renewer starts a new attempt from scratch on its
// next tick.
type issuance struct {
	Log    Logger
	Client *Client

	store       *CertificateStore
	identifiers []Identifier
	validity    int // days

	state    IssuanceState
	orderURI string
	order    *Order

	// Challenge material installed in the responders, kept so that entries
	// can be removed whatever state the attempt terminates in.
	installed []installedChallenge

	identity *CertifiedIdentity
}

type installedChallenge struct {
	challenge  *Challenge
	identifier Identifier
}

// RequestCertificate runs one issuance attempt for a set of identifiers and
// stores the resulting identity in the certificate store. On failure the
// store is left untouched, so an expiring identity keeps being served.
//
// Issuance is serialized per client: callers must not run concurrent
// attempts.
func (c *Client) RequestCertificate(ctx context.Context, store *CertificateStore, identifiers []Identifier, validity int) (*CertifiedIdentity, error) {
	if len(identifiers) == 0 {
		return nil, fmt.Errorf("empty identifier set")
	}

	i := issuance{
		Log:    c.Log,
		Client: c,

		store:       store,
		identifiers: identifiers,
		validity:    validity,

		state: IssuanceStateStart,
	}

	return i.run(ctx)
}

func (i *issuance) run(ctx context.Context) (*CertifiedIdentity, error) {
	defer i.cleanupChallenges(ctx)

	for {
		err := i.step(ctx)
		if err != nil {
			i.Log.Debug(1, "issuance failed in state %q", i.state)
			i.state = IssuanceStateErrored
			return nil, err
		}

		if i.state == IssuanceStateCertificateReady {
			return i.identity, nil
		}
	}
}

// step executes the transition out of the current state. Keeping the
// transition table in one place makes every path of the attempt enumerable.
func (i *issuance) step(ctx context.Context) error {
	switch i.state {
	case IssuanceStateStart:
		if err := i.Client.ensureAccount(ctx); err != nil {
			return fmt.Errorf("cannot obtain account: %w", err)
		}

		i.state = IssuanceStateAccountReady

	case IssuanceStateAccountReady:
		if err := i.submitOrder(ctx); err != nil {
			return fmt.Errorf("cannot submit order: %w", err)
		}

		i.state = IssuanceStateOrderCreated

	case IssuanceStateOrderCreated:
		if err := i.submitChallenges(ctx); err != nil {
			return fmt.Errorf("cannot submit challenges: %w", err)
		}

		i.state = IssuanceStateChallengeSubmitted

	case IssuanceStateChallengeSubmitted:
		i.state = IssuanceStateValidating

	case IssuanceStateValidating:
		if err := i.validate(ctx); err != nil {
			return fmt.Errorf("cannot validate order: %w", err)
		}

		i.state = IssuanceStateFinalizing

	case IssuanceStateFinalizing:
		if err := i.finalize(ctx); err != nil {
			return fmt.Errorf("cannot finalize order: %w", err)
		}

		i.state = IssuanceStateCertificateReady

	default:
		return fmt.Errorf("unexpected issuance state %q", i.state)
	}

	return nil
}

func (i *issuance) submitOrder(ctx context.Context) error {
	newOrder := NewOrder{
		Identifiers: i.identifiers,
	}

	if i.validity > 0 {
		now := time.Now()
		notBefore := now
		notAfter := now.AddDate(0, 0, i.validity)

		newOrder.NotBefore = &notBefore
		newOrder.NotAfter = &notAfter
	}

	orderURI, err := i.Client.submitOrder(ctx, &newOrder)
	if err != nil {
		return err
	}

	i.orderURI = orderURI
	return nil
}

// submitChallenges installs challenge material for every authorization of
// the order and signals readiness to the authority. Material is installed
// before readiness is signaled: the authority may probe immediately.
func (i *issuance) submitChallenges(ctx context.Context) error {
	order, _, err := i.Client.fetchOrder(ctx, i.orderURI)
	if err != nil {
		return fmt.Errorf("cannot fetch order: %w", err)
	}

	i.order = order

	for _, authURI := range order.Authorizations {
		auth, err := i.Client.fetchAuthorization(ctx, authURI)
		if err != nil {
			return fmt.Errorf("cannot fetch authorization: %w", err)
		}

		if auth.Status == AuthorizationStatusValid {
			continue
		}

		challenge := i.Client.selectAuthorizationChallenge(auth)
		if challenge == nil {
			return fmt.Errorf("authorization %q does not offer a %q "+
				"challenge", auth.Identifier,
				i.Client.Cfg.ChallengeType)
		}

		i.Log.Info("solving challenge %q for authorization %q",
			challenge.Type, auth.Identifier)

		err = i.Client.setupChallenge(ctx, challenge, auth.Identifier,
			i.store)
		if err != nil {
			return fmt.Errorf("cannot setup challenge: %w", err)
		}

		i.installed = append(i.installed, installedChallenge{
			challenge:  challenge,
			identifier: auth.Identifier,
		})

		if err := i.Client.submitChallenge(ctx, challenge.URL); err != nil {
			return fmt.Errorf("cannot submit challenge: %w", err)
		}
	}

	return nil
}

func (i *issuance) validate(ctx context.Context) error {
	for _, installed := range i.installed {
		err := i.Client.waitForChallengeValid(ctx, installed.challenge.URL)
		if err != nil {
			return fmt.Errorf("challenge for %q failed: %w",
				installed.identifier, err)
		}
	}

	for _, authURI := range i.order.Authorizations {
		if err := i.Client.waitForAuthorizationValid(ctx, authURI); err != nil {
			return fmt.Errorf("authorization failed: %w", err)
		}
	}

	order, err := i.Client.waitForOrderReady(ctx, i.orderURI)
	if err != nil {
		return err
	}

	i.order = order
	return nil
}

func (i *issuance) finalize(ctx context.Context) error {
	privateKey, err := i.Client.Cfg.GenerateCertificatePrivateKey()
	if err != nil {
		return fmt.Errorf("cannot generate private key: %w", err)
	}

	csr, err := i.Client.generateCSR(i.identifiers, privateKey)
	if err != nil {
		return fmt.Errorf("cannot generate certificate request: %w", err)
	}

	if _, err := i.Client.finalizeOrder(ctx, i.order.Finalize, csr); err != nil {
		return err
	}

	order, err := i.Client.waitForOrderValid(ctx, i.orderURI)
	if err != nil {
		return err
	}

	if order.Certificate == nil {
		return fmt.Errorf("valid order does not contain a certificate URI")
	}

	i.Log.Info("downloading certificate")

	chain, err := i.Client.downloadCertificate(ctx, *order.Certificate)
	if err != nil {
		return fmt.Errorf("cannot download certificate: %w", err)
	}

	identity, err := NewCertifiedIdentity(chain, privateKey)
	if err != nil {
		return fmt.Errorf("cannot build identity: %w", err)
	}

	i.identity = identity
	i.store.SetIdentity(identity)

	i.persistIdentity(identity)

	return nil
}

// persistIdentity writes the issued material to the data store. The
// in-memory store has already been updated: persistence failures are logged
// and serving continues.
func (i *issuance) persistIdentity(identity *CertifiedIdentity) {
	domains := make([]string, len(i.identifiers))
	for j, id := range i.identifiers {
		domains[j] = id.Value
	}

	directoryName := i.Client.Cfg.DirectoryName
	dataStore := i.Client.Cfg.DataStore

	keyData, err := EncodePEMPrivateKey(identity.PrivateKey)
	if err != nil {
		i.Log.Error("cannot encode private key: %v", err)
		return
	}

	err = dataStore.StorePrivateKey(directoryName, domains, keyData)
	if err != nil {
		i.Log.Error("cannot store private key: %v", err)
		return
	}

	certData := EncodePEMCertificateChain(identity.Chain)

	err = dataStore.StoreCertificate(directoryName, domains, certData)
	if err != nil {
		i.Log.Error("cannot store certificate: %v", err)
	}
}

func (i *issuance) cleanupChallenges(ctx context.Context) {
	for _, installed := range i.installed {
		err := i.Client.cleanupChallenge(ctx, installed.challenge,
			installed.identifier, i.store)
		if err != nil {
			i.Log.Error("cannot cleanup challenge: %v", err)
		}
	}

	i.installed = nil
}
