package acmetls

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"golang.org/x/net/idna"
)

func (c *Client) generateCSR(ids []Identifier, privateKey crypto.Signer) ([]byte, error) {
	var tpl x509.CertificateRequest

	for _, id := range ids {
		switch id.Type {
		case IdentifierTypeDNS:
			encodedName, err := idna.ToASCII(id.Value)
			if err != nil {
				return nil, fmt.Errorf("cannot encode dns name %q: %w",
					id.Value, err)
			}

			tpl.DNSNames = append(tpl.DNSNames, encodedName)

		default:
			return nil, fmt.Errorf("unhandled identifier type %q", id.Type)
		}
	}

	return x509.CreateCertificateRequest(rand.Reader, &tpl, privateKey)
}

func (c *Client) downloadCertificate(ctx context.Context, uri string) ([]*x509.Certificate, error) {
	var data []byte
	if _, err := c.sendRequest(ctx, "POST", uri, nil, &data); err != nil {
		return nil, err
	}

	chain, err := DecodePEMCertificateChain(data)
	if err != nil {
		return nil, fmt.Errorf("cannot parse certificate chain: %w", err)
	}

	return chain, nil
}

func EncodePEMCertificateChain(chain []*x509.Certificate) []byte {
	var buf bytes.Buffer

	for _, cert := range chain {
		block := pem.Block{
			Type:  "CERTIFICATE",
			Bytes: cert.Raw,
		}

		buf.Write(pem.EncodeToMemory(&block))
	}

	return buf.Bytes()
}

func DecodePEMCertificateChain(data []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate

	for {
		block, rest := pem.Decode(data)
		if block == nil {
			break
		}

		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("unknown PEM block %q", block.Type)
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("cannot parse certificate: %w", err)
		}

		chain = append(chain, cert)

		data = rest
	}

	if len(chain) == 0 {
		return nil, fmt.Errorf("no PEM certificate block found")
	}

	return chain, nil
}

func EncodePEMPrivateKey(key crypto.Signer) ([]byte, error) {
	keyData, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("cannot encode private key: %w", err)
	}

	block := pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyData,
	}

	return pem.EncodeToMemory(&block), nil
}

func DecodePEMPrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("unknown PEM block %q", block.Type)
	}

	privateKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cannot parse PKCS #8 data: %w", err)
	}

	signer, ok := privateKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key of type %T cannot be used to "+
			"sign data", privateKey)
	}

	return signer, nil
}
