package acmetls

import (
	"crypto/tls"
	"fmt"
)

// CertificateResolver supplies the certificate presented during a TLS
// handshake. Handshakes negotiating the TLS-ALPN-01 validation protocol
// receive the challenge certificate of the requested domain; every other
// handshake receives the identity currently held by the store.
type CertificateResolver struct {
	Store *CertificateStore
}

func NewCertificateResolver(store *CertificateStore) *CertificateResolver {
	return &CertificateResolver{Store: store}
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (r *CertificateResolver) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if isTLSALPNChallengeHello(hello) {
		cert := r.Store.ChallengeCertificate(hello.ServerName)
		if cert == nil {
			return nil, fmt.Errorf("no challenge certificate for domain %q",
				hello.ServerName)
		}

		return cert, nil
	}

	identity := r.Store.Identity()
	if identity == nil {
		return nil, fmt.Errorf("no certificate available")
	}

	return identity.TLSCertificate(), nil
}

// isTLSALPNChallengeHello reports whether a client hello is a TLS-ALPN-01
// validation probe. RFC 8737 requires validation clients to offer exactly
// one application-layer protocol.
func isTLSALPNChallengeHello(hello *tls.ClientHelloInfo) bool {
	return len(hello.SupportedProtos) == 1 &&
		hello.SupportedProtos[0] == ACMETLSALPNProtocol
}
