package acmetls

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

type PrivateKeyGenerationFunc func() (crypto.Signer, error)

type ClientCfg struct {
	Log                           Logger                   `json:"-"`
	HTTPClient                    *http.Client             `json:"-"`
	DataStore                     DataStore                `json:"-"`
	GenerateAccountPrivateKey     PrivateKeyGenerationFunc `json:"-"`
	GenerateCertificatePrivateKey PrivateKeyGenerationFunc `json:"-"`
	HTTPChallengeSolver           *HTTPChallengeSolver     `json:"-"`

	UserAgent     string        `json:"user_agent"`
	DirectoryURI  string        `json:"directory_uri"`
	DirectoryName string        `json:"directory_name"`
	ContactURIs   []string      `json:"contact_uris"`
	ChallengeType ChallengeType `json:"challenge_type"`
}

// Client implements the client side of the ACME protocol (RFC 8555): account
// management, certificate orders, challenge validation, finalization and
// certificate download.
//
// A client is not meant to be shared between concurrent issuance attempts:
// callers are expected to serialize certificate requests.
type Client struct {
	Log       Logger
	Cfg       ClientCfg
	Directory *Directory

	nonces      []string
	noncesMutex sync.Mutex

	httpClient          *http.Client
	dataStore           DataStore
	accountData         *AccountData
	httpChallengeSolver *HTTPChallengeSolver
}

func NewClient(cfg ClientCfg) (*Client, error) {
	if cfg.Log == nil {
		cfg.Log = NewDefaultLogger()
	}

	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient(nil)
	}

	if cfg.DataStore == nil {
		cfg.DataStore = NewMemoryDataStore()
	}

	if cfg.GenerateAccountPrivateKey == nil {
		cfg.GenerateAccountPrivateKey = GenerateECDSAP256PrivateKey
	}

	if cfg.GenerateCertificatePrivateKey == nil {
		cfg.GenerateCertificatePrivateKey = GenerateECDSAP256PrivateKey
	}

	if cfg.UserAgent == "" {
		cfg.UserAgent = "go-acmetls (https://go.n16f.net/acmetls)"
	}

	if cfg.DirectoryURI == "" {
		cfg.DirectoryURI = LetsEncryptDirectoryURI
	}

	if cfg.DirectoryName == "" {
		cfg.DirectoryName = "default"
	}

	switch cfg.ChallengeType {
	case ChallengeTypeHTTP01:
		if cfg.HTTPChallengeSolver == nil {
			return nil, fmt.Errorf("missing HTTP challenge solver for " +
				"http-01 challenges")
		}

	case ChallengeTypeTLSALPN01:

	default:
		return nil, fmt.Errorf("unknown challenge type %q", cfg.ChallengeType)
	}

	c := Client{
		Log: cfg.Log,
		Cfg: cfg,

		httpClient:          cfg.HTTPClient,
		dataStore:           cfg.DataStore,
		httpChallengeSolver: cfg.HTTPChallengeSolver,
	}

	return &c, nil
}

// Start fetches the authority directory and loads or registers the account.
// Account registration is idempotent: restarting a client whose account key
// pair is persisted in the data store reuses the existing account.
func (c *Client) Start(ctx context.Context) error {
	if err := c.updateDirectory(ctx); err != nil {
		return fmt.Errorf("cannot update directory: %w", err)
	}

	if err := c.ensureAccount(ctx); err != nil {
		return fmt.Errorf("cannot obtain account: %w", err)
	}

	return nil
}

func (c *Client) Stop() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) ensureAccount(ctx context.Context) error {
	if c.accountData != nil {
		return nil
	}

	accountData, err := c.dataStore.LoadAccountData()
	if err != nil {
		if !errors.Is(err, ErrNoAccount) {
			return fmt.Errorf("cannot load account data: %w", err)
		}

		accountData, err = c.createAccount(ctx)
		if err != nil {
			return fmt.Errorf("cannot create account: %w", err)
		}

		if err := c.dataStore.StoreAccountData(accountData); err != nil {
			return fmt.Errorf("cannot store account data: %w", err)
		}
	}

	c.Log.Info("using account %q", accountData.URI)
	c.accountData = accountData

	return nil
}

func (c *Client) storeNonce(nonce string) {
	c.noncesMutex.Lock()
	c.nonces = append(c.nonces, nonce)
	c.noncesMutex.Unlock()
}

func (c *Client) nextNonce(ctx context.Context) (string, error) {
	c.noncesMutex.Lock()
	if len(c.nonces) > 0 {
		nonce := c.nonces[0]
		c.nonces = c.nonces[1:]
		c.noncesMutex.Unlock()
		return nonce, nil
	}
	c.noncesMutex.Unlock()

	nonce, err := c.fetchNonce(ctx)
	if err != nil {
		return "", fmt.Errorf("cannot fetch nonce: %w", err)
	}

	return nonce, nil
}
