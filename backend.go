package acmetls

import (
	"crypto/tls"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/pkcs12"
)

// Backend builds the TLS acceptor context used to handshake accepted
// connections. Backends are interchangeable: a listener is constructed with
// one of them and never branches on the concrete type afterwards.
//
// Three implementations are provided, differing in where the identity comes
// from: ResolverBackend (per-handshake certificate lookup), KeycertBackend
// (static PEM key/certificate pair) and PKCS12Backend (PKCS #12 archive).
type Backend interface {
	ServerConfig() (*tls.Config, error)
}

// ResolverBackend resolves the certificate at handshake time. This is the
// backend used for ACME listeners, where the identity changes over the
// lifetime of the listener.
type ResolverBackend struct {
	GetCertificate func(*tls.ClientHelloInfo) (*tls.Certificate, error)
	ALPNProtocols  []string
}

func (b *ResolverBackend) ServerConfig() (*tls.Config, error) {
	if b.GetCertificate == nil {
		return nil, fmt.Errorf("missing certificate resolution function")
	}

	cfg := tls.Config{
		GetCertificate: b.GetCertificate,
		NextProtos:     b.ALPNProtocols,
	}

	return &cfg, nil
}

// KeycertBackend builds the acceptor context from a PEM-encoded certificate
// chain and private key, provided either as bytes or as file paths.
type KeycertBackend struct {
	CertificateData []byte
	PrivateKeyData  []byte

	CertificatePath string
	PrivateKeyPath  string

	ALPNProtocols []string
}

func (b *KeycertBackend) ServerConfig() (*tls.Config, error) {
	certData := b.CertificateData
	if certData == nil {
		if b.CertificatePath == "" {
			return nil, fmt.Errorf("missing certificate data or path")
		}

		data, err := os.ReadFile(b.CertificatePath)
		if err != nil {
			return nil, fmt.Errorf("cannot read %q: %w",
				b.CertificatePath, err)
		}

		certData = data
	}

	keyData := b.PrivateKeyData
	if keyData == nil {
		if b.PrivateKeyPath == "" {
			return nil, fmt.Errorf("missing private key data or path")
		}

		data, err := os.ReadFile(b.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("cannot read %q: %w",
				b.PrivateKeyPath, err)
		}

		keyData = data
	}

	cert, err := tls.X509KeyPair(certData, keyData)
	if err != nil {
		return nil, fmt.Errorf("cannot load key pair: %w", err)
	}

	cfg := tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   b.ALPNProtocols,
	}

	return &cfg, nil
}

// PKCS12Backend builds the acceptor context from a password-protected
// PKCS #12 archive containing the private key and certificate chain.
type PKCS12Backend struct {
	ArchiveData []byte
	ArchivePath string
	Password    string

	ALPNProtocols []string
}

func (b *PKCS12Backend) ServerConfig() (*tls.Config, error) {
	archiveData := b.ArchiveData
	if archiveData == nil {
		if b.ArchivePath == "" {
			return nil, fmt.Errorf("missing archive data or path")
		}

		data, err := os.ReadFile(b.ArchivePath)
		if err != nil {
			return nil, fmt.Errorf("cannot read %q: %w", b.ArchivePath, err)
		}

		archiveData = data
	}

	blocks, err := pkcs12.ToPEM(archiveData, b.Password)
	if err != nil {
		return nil, fmt.Errorf("cannot decode PKCS #12 archive: %w", err)
	}

	var certData, keyData []byte
	for _, block := range blocks {
		data := pem.EncodeToMemory(block)

		if block.Type == "CERTIFICATE" {
			certData = append(certData, data...)
		} else {
			keyData = append(keyData, data...)
		}
	}

	cert, err := tls.X509KeyPair(certData, keyData)
	if err != nil {
		return nil, fmt.Errorf("cannot load key pair: %w", err)
	}

	cfg := tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   b.ALPNProtocols,
	}

	return &cfg, nil
}
