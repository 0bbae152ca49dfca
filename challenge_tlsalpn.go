package acmetls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"
)

// ACMETLSALPNProtocol is the application-layer protocol negotiated by
// TLS-ALPN-01 validation probes (RFC 8737 4. acme-tls/1 Protocol
// Definition).
const ACMETLSALPNProtocol = "acme-tls/1"

// RFC 8737 3. TLS with Application-Layer Protocol Negotiation Challenge:
// id-pe-acmeIdentifier.
var acmeIdentifierOID = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 31}

// GenerateTLSALPNChallengeCertificate builds the self-signed certificate
// presented when the authority probes a domain with a TLS-ALPN-01 validation
// handshake. The certificate embeds the SHA-256 digest of the key
// authorization in a critical acmeIdentifier extension and is only ever
// served for that single validation window.
func GenerateTLSALPNChallengeCertificate(domain, keyAuthorization string) (*tls.Certificate, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cannot generate private key: %w", err)
	}

	digest := sha256.Sum256([]byte(keyAuthorization))

	extValue, err := asn1.Marshal(digest[:])
	if err != nil {
		return nil, fmt.Errorf("cannot encode key authorization digest: %w",
			err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("cannot generate serial number: %w", err)
	}

	now := time.Now()

	tpl := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{CommonName: domain},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),

		DNSNames: []string{domain},

		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},

		ExtraExtensions: []pkix.Extension{
			{
				Id:       acmeIdentifierOID,
				Critical: true,
				Value:    extValue,
			},
		},
	}

	certData, err := x509.CreateCertificate(rand.Reader, &tpl, &tpl,
		privateKey.Public(), privateKey)
	if err != nil {
		return nil, fmt.Errorf("cannot create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certData)
	if err != nil {
		return nil, fmt.Errorf("cannot parse certificate: %w", err)
	}

	tlsCert := tls.Certificate{
		Certificate: [][]byte{certData},
		PrivateKey:  privateKey,
		Leaf:        cert,
	}

	return &tlsCert, nil
}
