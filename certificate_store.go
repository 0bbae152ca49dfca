package acmetls

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"
	"time"
)

// CertifiedIdentity is a certificate chain and its matching private key,
// treated as a single immutable unit. Identities are replaced, never
// modified in place.
type CertifiedIdentity struct {
	Chain      []*x509.Certificate
	PrivateKey crypto.Signer

	tlsCertificate *tls.Certificate
}

func NewCertifiedIdentity(chain []*x509.Certificate, privateKey crypto.Signer) (*CertifiedIdentity, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("empty certificate chain")
	}

	rawChain := make([][]byte, len(chain))
	for i, cert := range chain {
		rawChain[i] = cert.Raw
	}

	identity := CertifiedIdentity{
		Chain:      chain,
		PrivateKey: privateKey,

		tlsCertificate: &tls.Certificate{
			Certificate: rawChain,
			PrivateKey:  privateKey,
			Leaf:        chain[0],
		},
	}

	return &identity, nil
}

func (i *CertifiedIdentity) Leaf() *x509.Certificate {
	return i.Chain[0]
}

// TLSCertificate returns the signing handle used during TLS handshakes. The
// handle is derived once at construction time, never during a handshake.
func (i *CertifiedIdentity) TLSCertificate() *tls.Certificate {
	return i.tlsCertificate
}

// CertificateStore holds the identity currently served during TLS handshakes
// and the certificates answering in-flight TLS-ALPN-01 challenges.
//
// The store is shared between every concurrent handshake (readers) and a
// single certificate renewer (writer). Readers never observe a partially
// updated identity: SetIdentity replaces the whole value under the write
// lock.
type CertificateStore struct {
	mutex          sync.RWMutex
	identity       *CertifiedIdentity
	challengeCerts map[string]*tls.Certificate
	now            func() time.Time
}

func NewCertificateStore() *CertificateStore {
	return &CertificateStore{
		challengeCerts: make(map[string]*tls.Certificate),
		now:            time.Now,
	}
}

func (s *CertificateStore) Identity() *CertifiedIdentity {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.identity
}

func (s *CertificateStore) SetIdentity(identity *CertifiedIdentity) {
	s.mutex.Lock()
	s.identity = identity
	s.mutex.Unlock()
}

// WillExpire reports whether the stored identity ends its validity window
// within threshold of now. An empty store always reports true.
func (s *CertificateStore) WillExpire(threshold time.Duration) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.identity == nil {
		return true
	}

	return s.now().Add(threshold).After(s.identity.Leaf().NotAfter)
}

// ChallengeCertificate returns the TLS-ALPN-01 challenge certificate
// installed for a domain, or nil if there is none.
func (s *CertificateStore) ChallengeCertificate(domain string) *tls.Certificate {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.challengeCerts[domain]
}

func (s *CertificateStore) SetChallengeCertificate(domain string, cert *tls.Certificate) {
	s.mutex.Lock()
	s.challengeCerts[domain] = cert
	s.mutex.Unlock()
}

func (s *CertificateStore) DeleteChallengeCertificate(domain string) {
	s.mutex.Lock()
	delete(s.challengeCerts, domain)
	s.mutex.Unlock()
}
