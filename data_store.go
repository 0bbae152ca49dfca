package acmetls

import (
	"crypto"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var ErrNoAccount = errors.New("no account found in data store")

// DataStore is the durable storage used by the client: account data on one
// side, certificate material keyed by (directory name, domain set) on the
// other.
//
// Read methods return a nil byte slice and a nil error when no material is
// stored for the key: absence is a normal cold-start condition, not a
// failure. The core never blocks handshakes on data store calls; stores are
// read at startup and written after each successful issuance.
type DataStore interface {
	LoadAccountData() (*AccountData, error)
	StoreAccountData(*AccountData) error

	ReadPrivateKey(directoryName string, domains []string) ([]byte, error)
	ReadCertificate(directoryName string, domains []string) ([]byte, error)
	StorePrivateKey(directoryName string, domains []string, data []byte) error
	StoreCertificate(directoryName string, domains []string, data []byte) error
}

type AccountData struct {
	URI            string        `json:"uri"`
	PrivateKey     crypto.Signer `json:"-"`
	PrivateKeyData []byte        `json:"private_key_data"`
}

func (a *AccountData) MarshalJSON() ([]byte, error) {
	type AccountData2 AccountData
	a2 := AccountData2(*a)

	privateKeyData, err := x509.MarshalPKCS8PrivateKey(a2.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("cannot encode private key: %w", err)
	}
	a2.PrivateKeyData = privateKeyData

	return json.Marshal(a2)
}

func (a *AccountData) UnmarshalJSON(data []byte) error {
	type AccountData2 AccountData
	var a2 AccountData2

	if err := json.Unmarshal(data, &a2); err != nil {
		return err
	}

	privateKey, err := x509.ParsePKCS8PrivateKey(a2.PrivateKeyData)
	if err != nil {
		return fmt.Errorf("cannot parse PKCS #8 data: %w", err)
	}

	signer, ok := privateKey.(crypto.Signer)
	if !ok {
		return fmt.Errorf("private key of type %T cannot be used to sign data",
			privateKey)
	}

	a2.PrivateKey = signer

	*a = AccountData(a2)
	return nil
}

// MemoryDataStore keeps everything in memory. It is the default store:
// certificates are obtained again when the process restarts. It can be
// shared between clients.
type MemoryDataStore struct {
	mutex        sync.Mutex
	accountData  *AccountData
	privateKeys  map[string][]byte
	certificates map[string][]byte
}

func NewMemoryDataStore() *MemoryDataStore {
	return &MemoryDataStore{
		privateKeys:  make(map[string][]byte),
		certificates: make(map[string][]byte),
	}
}

func (s *MemoryDataStore) LoadAccountData() (*AccountData, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.accountData == nil {
		return nil, ErrNoAccount
	}

	return s.accountData, nil
}

func (s *MemoryDataStore) StoreAccountData(accountData *AccountData) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.accountData = accountData
	return nil
}

func (s *MemoryDataStore) ReadPrivateKey(directoryName string, domains []string) ([]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.privateKeys[certificateStorageKey(directoryName, domains)], nil
}

func (s *MemoryDataStore) ReadCertificate(directoryName string, domains []string) ([]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.certificates[certificateStorageKey(directoryName, domains)], nil
}

func (s *MemoryDataStore) StorePrivateKey(directoryName string, domains []string, data []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.privateKeys[certificateStorageKey(directoryName, domains)] = data
	return nil
}

func (s *MemoryDataStore) StoreCertificate(directoryName string, domains []string, data []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.certificates[certificateStorageKey(directoryName, domains)] = data
	return nil
}
