package acmetls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type ChallengeType string

const (
	ChallengeTypeHTTP01    ChallengeType = "http-01"
	ChallengeTypeTLSALPN01 ChallengeType = "tls-alpn-01"
)

type ChallengeStatus string

const (
	ChallengeStatusPending    ChallengeStatus = "pending"
	ChallengeStatusProcessing ChallengeStatus = "processing"
	ChallengeStatusValid      ChallengeStatus = "valid"
	ChallengeStatusInvalid    ChallengeStatus = "invalid"
)

type Challenge struct {
	Type      ChallengeType   `json:"type"`
	URL       string          `json:"url"`
	Status    ChallengeStatus `json:"status"`
	Validated *time.Time      `json:"validated,omitempty"`
	Error     *ProblemDetails `json:"error,omitempty"`

	Data any `json:"-"`
}

type ChallengeDataHTTP01 struct {
	Token string `json:"token"`
}

type ChallengeDataTLSALPN01 struct {
	Token string `json:"token"`
}

func (c *Challenge) UnmarshalJSON(data []byte) error {
	type Challenge2 Challenge

	var c2 Challenge2
	if err := json.Unmarshal(data, &c2); err != nil {
		return err
	}

	switch c2.Type {
	case ChallengeTypeHTTP01:
		c2.Data = &ChallengeDataHTTP01{}
	case ChallengeTypeTLSALPN01:
		c2.Data = &ChallengeDataTLSALPN01{}
	}

	if c2.Data != nil {
		if err := json.Unmarshal(data, &c2.Data); err != nil {
			return err
		}
	}

	*c = Challenge(c2)
	return nil
}

// keyAuthorization builds the proof string binding a challenge token to the
// account key (RFC 8555 8.1. Key Authorizations).
func (c *Client) keyAuthorization(token string) (string, error) {
	thumbprint, err := c.accountData.Thumbprint()
	if err != nil {
		return "", fmt.Errorf("cannot compute account key thumbprint: %w",
			err)
	}

	return token + "." + thumbprint, nil
}

// setupChallenge installs the challenge material into the matching
// responder. It must be called before the challenge is submitted to the
// authority: the authority is free to probe immediately.
func (c *Client) setupChallenge(ctx context.Context, challenge *Challenge, identifier Identifier, store *CertificateStore) error {
	switch challenge.Type {
	case ChallengeTypeHTTP01:
		return c.setupChallengeHTTP01(ctx, challenge)
	case ChallengeTypeTLSALPN01:
		return c.setupChallengeTLSALPN01(ctx, challenge, identifier, store)
	default:
		return fmt.Errorf("unknown challenge type %q", challenge.Type)
	}
}

// cleanupChallenge removes challenge material once the associated order
// reached a terminal state. Leaving stale material behind would make the
// responder serve answers for orders which no longer exist.
func (c *Client) cleanupChallenge(ctx context.Context, challenge *Challenge, identifier Identifier, store *CertificateStore) error {
	switch challenge.Type {
	case ChallengeTypeHTTP01:
		return c.cleanupChallengeHTTP01(ctx, challenge)
	case ChallengeTypeTLSALPN01:
		return c.cleanupChallengeTLSALPN01(ctx, challenge, identifier, store)
	default:
		return fmt.Errorf("unknown challenge type %q", challenge.Type)
	}
}

func (c *Client) setupChallengeHTTP01(ctx context.Context, challenge *Challenge) error {
	data := challenge.Data.(*ChallengeDataHTTP01)

	keyAuthorization, err := c.keyAuthorization(data.Token)
	if err != nil {
		return err
	}

	c.httpChallengeSolver.addChallenge(data.Token, keyAuthorization)
	return nil
}

func (c *Client) cleanupChallengeHTTP01(ctx context.Context, challenge *Challenge) error {
	data := challenge.Data.(*ChallengeDataHTTP01)
	c.httpChallengeSolver.discardChallenge(data.Token)
	return nil
}

func (c *Client) setupChallengeTLSALPN01(ctx context.Context, challenge *Challenge, identifier Identifier, store *CertificateStore) error {
	data := challenge.Data.(*ChallengeDataTLSALPN01)

	keyAuthorization, err := c.keyAuthorization(data.Token)
	if err != nil {
		return err
	}

	cert, err := GenerateTLSALPNChallengeCertificate(identifier.Value,
		keyAuthorization)
	if err != nil {
		return fmt.Errorf("cannot generate challenge certificate: %w", err)
	}

	store.SetChallengeCertificate(identifier.Value, cert)
	return nil
}

func (c *Client) cleanupChallengeTLSALPN01(ctx context.Context, challenge *Challenge, identifier Identifier, store *CertificateStore) error {
	store.DeleteChallengeCertificate(identifier.Value)
	return nil
}

func (c *Client) submitChallenge(ctx context.Context, uri string) error {
	// Readiness is signaled by POSTing an empty JSON object to the challenge
	// URI (RFC 8555 7.5.1).
	_, err := c.sendRequest(ctx, "POST", uri, struct{}{}, nil)
	return err
}

func (c *Client) fetchChallenge(ctx context.Context, uri string) (*Challenge, error) {
	var challenge Challenge

	if _, err := c.sendRequest(ctx, "POST", uri, nil, &challenge); err != nil {
		return nil, err
	}

	return &challenge, nil
}

func (c *Client) waitForChallengeValid(ctx context.Context, uri string) error {
	for {
		challenge, err := c.fetchChallenge(ctx, uri)
		if err != nil {
			return fmt.Errorf("cannot fetch challenge: %w", err)
		}

		delay := time.Second

		switch challenge.Status {
		case ChallengeStatusPending:

		case ChallengeStatusProcessing:

		case ChallengeStatusValid:
			return nil

		case ChallengeStatusInvalid:
			if challenge.Error != nil {
				return challenge.Error
			}
			return errors.New("unknown error")

		default:
			return fmt.Errorf("unknown challenge status %q", challenge.Status)
		}

		if err := c.waitForVerification(ctx, delay); err != nil {
			return err
		}
	}
}
