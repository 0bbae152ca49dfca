package acmetls

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// signPayload wraps a request body in a JWS object in the JSON serialization
// (RFC 8555 6.2. Request Authentication). Before the account exists the
// public key is embedded in the protected header; once it does, the account
// URI is sent as the key id instead.
func (c *Client) signPayload(data []byte, uri, nonce string) ([]byte, error) {
	key := c.accountData.PrivateKey

	algorithm, err := signatureAlgorithm(key)
	if err != nil {
		return nil, err
	}

	jwk := jose.JSONWebKey{
		Key:   key,
		KeyID: c.accountData.URI,
	}

	options := jose.SignerOptions{
		NonceSource: &oneShotNonceSource{nonce: nonce},
		ExtraHeaders: map[jose.HeaderKey]any{
			"url": uri,
		},
	}

	// Without a key id, embed the "jwk" claim
	options.EmbedJWK = jwk.KeyID == ""

	signingKey := jose.SigningKey{
		Algorithm: algorithm,
		Key:       &jwk,
	}

	signer, err := jose.NewSigner(signingKey, &options)
	if err != nil {
		return nil, fmt.Errorf("cannot create signer: %w", err)
	}

	signedData, err := signer.Sign(data)
	if err != nil {
		return nil, err
	}

	return []byte(signedData.FullSerialize()), nil
}

func signatureAlgorithm(key crypto.Signer) (jose.SignatureAlgorithm, error) {
	switch key := key.(type) {
	case *rsa.PrivateKey:
		return jose.RS256, nil

	case *ecdsa.PrivateKey:
		switch key.Curve {
		case elliptic.P256():
			return jose.ES256, nil
		case elliptic.P384():
			return jose.ES384, nil
		case elliptic.P521():
			return jose.ES512, nil
		}

		return "", fmt.Errorf("unsupported elliptic curve %q",
			key.Curve.Params().Name)

	default:
		return "", fmt.Errorf("unsupported private key type %T", key)
	}
}

// oneShotNonceSource hands a single pre-fetched nonce to the signer. Each
// signature consumes one nonce.
type oneShotNonceSource struct {
	nonce string
}

func (s *oneShotNonceSource) Nonce() (string, error) {
	if s.nonce == "" {
		return "", fmt.Errorf("nonce already used")
	}

	nonce := s.nonce
	s.nonce = ""

	return nonce, nil
}
