package acmetls

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// testAuthority is an in-process ACME server implementing just enough of
// RFC 8555 to validate the client: directory, nonces, account registration,
// orders, authorizations, challenges, finalization and certificate download.
// It issues certificates signed by its own throwaway CA.
//
// JWS signatures are not verified; only the payload is decoded.
type testAuthority struct {
	t      *testing.T
	server *httptest.Server

	caCertificate *x509.Certificate
	caPrivateKey  *ecdsa.PrivateKey

	// ValidateChallenge is called when the client signals challenge
	// readiness. A nil function accepts the challenge without probing.
	ValidateChallenge func(identifier string, challenge *testAuthorityChallenge, keyAuthorization string) error

	// RejectBadNonces makes the authority reject this many requests with a
	// badNonce problem before accepting any.
	RejectBadNonces int

	mutex             sync.Mutex
	accountThumbprint string
	accountSeq        int
	orderSeq          int
	orders            map[string]*testAuthorityOrder
	authorizations    map[string]*testAuthorityAuthorization
	challenges        map[string]*testAuthorityChallenge
	certificates      map[string][]byte
}

type testAuthorityOrder struct {
	Identifiers      []Identifier
	NotBefore        *time.Time
	NotAfter         *time.Time
	AuthorizationIDs []string
	CertificateID    string
	Finalized        bool
}

type testAuthorityAuthorization struct {
	Identifier   Identifier
	ChallengeIDs []string
}

type testAuthorityChallenge struct {
	ID         string
	Type       ChallengeType
	Token      string
	Identifier string
	Status     ChallengeStatus
	Problem    *ProblemDetails
}

func startTestAuthority(t *testing.T) *testAuthority {
	a := testAuthority{
		t: t,

		orders:         make(map[string]*testAuthorityOrder),
		authorizations: make(map[string]*testAuthorityAuthorization),
		challenges:     make(map[string]*testAuthorityChallenge),
		certificates:   make(map[string][]byte),
	}

	caPrivateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("cannot generate CA private key: %v", err)
	}

	caTemplate := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test authority"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}

	caData, err := x509.CreateCertificate(rand.Reader, &caTemplate,
		&caTemplate, &caPrivateKey.PublicKey, caPrivateKey)
	if err != nil {
		t.Fatalf("cannot create CA certificate: %v", err)
	}

	caCertificate, err := x509.ParseCertificate(caData)
	if err != nil {
		t.Fatalf("cannot parse CA certificate: %v", err)
	}

	a.caCertificate = caCertificate
	a.caPrivateKey = caPrivateKey

	mux := http.NewServeMux()

	mux.HandleFunc("GET /directory", a.hDirectory)
	mux.HandleFunc("HEAD /new-nonce", a.hNewNonce)
	mux.HandleFunc("POST /new-account", a.hNewAccount)
	mux.HandleFunc("POST /new-order", a.hNewOrder)
	mux.HandleFunc("POST /orders/{id}", a.hOrder)
	mux.HandleFunc("POST /authorizations/{id}", a.hAuthorization)
	mux.HandleFunc("POST /challenges/{id}", a.hChallenge)
	mux.HandleFunc("POST /finalize/{id}", a.hFinalize)
	mux.HandleFunc("POST /certificates/{id}", a.hCertificate)

	a.server = httptest.NewServer(mux)
	t.Cleanup(a.server.Close)

	return &a
}

func (a *testAuthority) DirectoryURI() string {
	return a.server.URL + "/directory"
}

func (a *testAuthority) uri(format string, args ...any) string {
	return a.server.URL + fmt.Sprintf(format, args...)
}

func (a *testAuthority) setNonce(w http.ResponseWriter) {
	var data [16]byte
	rand.Read(data[:])

	nonce := base64.RawURLEncoding.EncodeToString(data[:])
	w.Header().Set("Replay-Nonce", nonce)
}

func (a *testAuthority) replyJSON(w http.ResponseWriter, status int, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		a.t.Errorf("cannot encode response body: %v", err)
		w.WriteHeader(500)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func (a *testAuthority) replyProblem(w http.ResponseWriter, status int, errorType ErrorType, detail string) {
	problem := ProblemDetails{
		Type:   errorType,
		Status: status,
		Detail: detail,
	}

	data, err := json.Marshal(&problem)
	if err != nil {
		a.t.Errorf("cannot encode problem details: %v", err)
		w.WriteHeader(500)
		return
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	w.Write(data)
}

// decodeRequest extracts and decodes the payload of the JWS request body,
// remembering the account key thumbprint when the protected header embeds a
// key. It returns false after replying if the request must be rejected.
func (a *testAuthority) decodeRequest(w http.ResponseWriter, req *http.Request, payload any) bool {
	a.setNonce(w)

	a.mutex.Lock()
	rejectNonce := a.RejectBadNonces > 0
	if rejectNonce {
		a.RejectBadNonces--
	}
	a.mutex.Unlock()

	if rejectNonce {
		a.replyProblem(w, 400, ErrorTypeBadNonce, "stale nonce")
		return false
	}

	var body struct {
		Protected string `json:"protected"`
		Payload   string `json:"payload"`
	}

	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		a.replyProblem(w, 400, ErrorTypeMalformed,
			"invalid JWS request body")
		return false
	}

	headerData, err := base64.RawURLEncoding.DecodeString(body.Protected)
	if err != nil {
		a.replyProblem(w, 400, ErrorTypeMalformed,
			"invalid JWS protected header")
		return false
	}

	var header struct {
		JWK json.RawMessage `json:"jwk"`
	}

	if err := json.Unmarshal(headerData, &header); err != nil {
		a.replyProblem(w, 400, ErrorTypeMalformed,
			"invalid JWS protected header")
		return false
	}

	if header.JWK != nil {
		var key jose.JSONWebKey
		if err := key.UnmarshalJSON(header.JWK); err != nil {
			a.replyProblem(w, 400, ErrorTypeBadPublicKey,
				"invalid JWK")
			return false
		}

		thumbprint, err := key.Thumbprint(crypto.SHA256)
		if err != nil {
			a.replyProblem(w, 400, ErrorTypeBadPublicKey,
				"cannot compute thumbprint")
			return false
		}

		a.mutex.Lock()
		a.accountThumbprint =
			base64.RawURLEncoding.EncodeToString(thumbprint)
		a.mutex.Unlock()
	}

	if payload == nil {
		return true
	}

	payloadData, err := base64.RawURLEncoding.DecodeString(body.Payload)
	if err != nil {
		a.replyProblem(w, 400, ErrorTypeMalformed, "invalid JWS payload")
		return false
	}

	if len(payloadData) > 0 {
		if err := json.Unmarshal(payloadData, payload); err != nil {
			a.replyProblem(w, 400, ErrorTypeMalformed, "invalid JWS payload")
			return false
		}
	}

	return true
}

func (a *testAuthority) hDirectory(w http.ResponseWriter, req *http.Request) {
	a.setNonce(w)

	directory := Directory{
		NewNonce:   a.uri("/new-nonce"),
		NewAccount: a.uri("/new-account"),
		NewOrder:   a.uri("/new-order"),
		RevokeCert: a.uri("/revoke-certificate"),
		KeyChange:  a.uri("/key-change"),
	}

	a.replyJSON(w, 200, &directory)
}

func (a *testAuthority) hNewNonce(w http.ResponseWriter, req *http.Request) {
	a.setNonce(w)
	w.WriteHeader(200)
}

func (a *testAuthority) hNewAccount(w http.ResponseWriter, req *http.Request) {
	var newAccount NewAccount
	if !a.decodeRequest(w, req, &newAccount) {
		return
	}

	a.mutex.Lock()
	a.accountSeq++
	id := a.accountSeq
	a.mutex.Unlock()

	account := Account{
		Status: "valid",
		Orders: a.uri("/accounts/%d/orders", id),
	}

	w.Header().Set("Location", a.uri("/accounts/%d", id))
	a.replyJSON(w, 201, &account)
}

func (a *testAuthority) hNewOrder(w http.ResponseWriter, req *http.Request) {
	var newOrder NewOrder
	if !a.decodeRequest(w, req, &newOrder) {
		return
	}

	if len(newOrder.Identifiers) == 0 {
		a.replyProblem(w, 400, ErrorTypeMalformed, "empty identifier set")
		return
	}

	a.mutex.Lock()

	a.orderSeq++
	orderID := strconv.Itoa(a.orderSeq)

	order := testAuthorityOrder{
		Identifiers: newOrder.Identifiers,
		NotBefore:   newOrder.NotBefore,
		NotAfter:    newOrder.NotAfter,
	}

	for i, identifier := range newOrder.Identifiers {
		authzID := fmt.Sprintf("%s-%d", orderID, i)

		authz := testAuthorityAuthorization{
			Identifier: identifier,
		}

		challengeTypes := []ChallengeType{
			ChallengeTypeHTTP01,
			ChallengeTypeTLSALPN01,
		}

		for _, challengeType := range challengeTypes {
			var tokenData [16]byte
			rand.Read(tokenData[:])

			challengeID := fmt.Sprintf("%s-%s", authzID, challengeType)

			challenge := testAuthorityChallenge{
				ID:         challengeID,
				Type:       challengeType,
				Token:      base64.RawURLEncoding.EncodeToString(tokenData[:]),
				Identifier: identifier.Value,
				Status:     ChallengeStatusPending,
			}

			a.challenges[challengeID] = &challenge
			authz.ChallengeIDs = append(authz.ChallengeIDs, challengeID)
		}

		a.authorizations[authzID] = &authz
		order.AuthorizationIDs = append(order.AuthorizationIDs, authzID)
	}

	a.orders[orderID] = &order

	orderObject := a.orderObject(&order)

	a.mutex.Unlock()

	w.Header().Set("Location", a.uri("/orders/%s", orderID))
	a.replyJSON(w, 201, orderObject)
}

// orderObject builds the RFC 8555 representation of an order. The order
// status is derived: pending until every authorization is valid, ready until
// finalization, valid once a certificate has been issued. The mutex must be
// held.
func (a *testAuthority) orderObject(order *testAuthorityOrder) *Order {
	object := Order{
		Status:      OrderStatusPending,
		Expires:     time.Now().Add(time.Hour),
		Identifiers: order.Identifiers,
		NotBefore:   order.NotBefore,
		NotAfter:    order.NotAfter,
		Finalize:    a.uri("/finalize/%s", a.orderID(order)),
	}

	ready := true
	invalid := false

	for _, authzID := range order.AuthorizationIDs {
		object.Authorizations = append(object.Authorizations,
			a.uri("/authorizations/%s", authzID))

		status := a.authorizationStatus(a.authorizations[authzID])

		if status != AuthorizationStatusValid {
			ready = false
		}
		if status == AuthorizationStatusInvalid {
			invalid = true
		}
	}

	switch {
	case invalid:
		object.Status = OrderStatusInvalid

	case order.CertificateID != "":
		object.Status = OrderStatusValid
		uri := a.uri("/certificates/%s", order.CertificateID)
		object.Certificate = &uri

	case order.Finalized:
		object.Status = OrderStatusProcessing

	case ready:
		object.Status = OrderStatusReady
	}

	return &object
}

func (a *testAuthority) orderID(order *testAuthorityOrder) string {
	for id, candidate := range a.orders {
		if candidate == order {
			return id
		}
	}

	return ""
}

// authorizationStatus derives the status of an authorization from its
// challenges. The mutex must be held.
func (a *testAuthority) authorizationStatus(authz *testAuthorityAuthorization) AuthorizationStatus {
	for _, challengeID := range authz.ChallengeIDs {
		switch a.challenges[challengeID].Status {
		case ChallengeStatusValid:
			return AuthorizationStatusValid
		case ChallengeStatusInvalid:
			return AuthorizationStatusInvalid
		}
	}

	return AuthorizationStatusPending
}

func (a *testAuthority) hOrder(w http.ResponseWriter, req *http.Request) {
	if !a.decodeRequest(w, req, nil) {
		return
	}

	a.mutex.Lock()
	order := a.orders[req.PathValue("id")]
	var object *Order
	if order != nil {
		object = a.orderObject(order)
	}
	a.mutex.Unlock()

	if order == nil {
		a.replyProblem(w, 404, ErrorTypeMalformed, "unknown order")
		return
	}

	a.replyJSON(w, 200, object)
}

func (a *testAuthority) hAuthorization(w http.ResponseWriter, req *http.Request) {
	if !a.decodeRequest(w, req, nil) {
		return
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	authz := a.authorizations[req.PathValue("id")]
	if authz == nil {
		a.replyProblem(w, 404, ErrorTypeMalformed, "unknown authorization")
		return
	}

	object := struct {
		Identifier Identifier          `json:"identifier"`
		Status     AuthorizationStatus `json:"status"`
		Challenges []challengeJSON     `json:"challenges"`
	}{
		Identifier: authz.Identifier,
		Status:     a.authorizationStatus(authz),
	}

	for _, challengeID := range authz.ChallengeIDs {
		object.Challenges = append(object.Challenges,
			a.challengeObject(a.challenges[challengeID]))
	}

	a.replyJSON(w, 200, &object)
}

// challengeObject builds the wire form of a challenge. The mutex must be
// held.
func (a *testAuthority) challengeObject(challenge *testAuthorityChallenge) challengeJSON {
	return challengeJSON{
		Type:   challenge.Type,
		URL:    a.uri("/challenges/%s", challenge.ID),
		Status: challenge.Status,
		Error:  challenge.Problem,
		Token:  challenge.Token,
	}
}

// challengeJSON is the wire form of a challenge, with the token the
// Challenge type keeps in its polymorphic data.
type challengeJSON struct {
	Type   ChallengeType   `json:"type"`
	URL    string          `json:"url"`
	Status ChallengeStatus `json:"status"`
	Error  *ProblemDetails `json:"error,omitempty"`
	Token  string          `json:"token"`
}

func (a *testAuthority) replyChallenge(w http.ResponseWriter, challenge *testAuthorityChallenge) {
	object := a.challengeObject(challenge)
	a.replyJSON(w, 200, &object)
}

func (a *testAuthority) hChallenge(w http.ResponseWriter, req *http.Request) {
	var payload json.RawMessage
	if !a.decodeRequest(w, req, &payload) {
		return
	}

	a.mutex.Lock()
	challenge := a.challenges[req.PathValue("id")]
	thumbprint := a.accountThumbprint
	a.mutex.Unlock()

	if challenge == nil {
		a.replyProblem(w, 404, ErrorTypeMalformed, "unknown challenge")
		return
	}

	// An empty payload is a POST-as-GET poll; a payload signals readiness
	// (RFC 8555 7.5.1) and triggers validation.
	if len(payload) > 0 && challenge.Status == ChallengeStatusPending {
		keyAuthorization := challenge.Token + "." + thumbprint

		var err error
		if a.ValidateChallenge != nil {
			err = a.ValidateChallenge(challenge.Identifier, challenge,
				keyAuthorization)
		}

		a.mutex.Lock()
		if err == nil {
			challenge.Status = ChallengeStatusValid
		} else {
			challenge.Status = ChallengeStatusInvalid
			challenge.Problem = &ProblemDetails{
				Type:   ErrorTypeIncorrectResponse,
				Status: 403,
				Detail: err.Error(),
			}
		}
		a.mutex.Unlock()
	}

	a.replyChallenge(w, challenge)
}

func (a *testAuthority) hFinalize(w http.ResponseWriter, req *http.Request) {
	var finalization OrderFinalization
	if !a.decodeRequest(w, req, &finalization) {
		return
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	orderID := req.PathValue("id")

	order := a.orders[orderID]
	if order == nil {
		a.replyProblem(w, 404, ErrorTypeMalformed, "unknown order")
		return
	}

	object := a.orderObject(order)
	if object.Status != OrderStatusReady {
		a.replyProblem(w, 403, ErrorTypeOrderNotReady,
			"order is not ready for finalization")
		return
	}

	csrData, err := base64.RawURLEncoding.DecodeString(finalization.CSR)
	if err != nil {
		a.replyProblem(w, 400, ErrorTypeBadCSR, "invalid CSR encoding")
		return
	}

	csr, err := x509.ParseCertificateRequest(csrData)
	if err != nil {
		a.replyProblem(w, 400, ErrorTypeBadCSR, "invalid CSR")
		return
	}

	certData, err := a.issueCertificate(csr, order)
	if err != nil {
		a.replyProblem(w, 500, ErrorTypeServerInternal, err.Error())
		return
	}

	order.Finalized = true
	order.CertificateID = orderID
	a.certificates[orderID] = certData

	a.replyJSON(w, 200, a.orderObject(order))
}

func (a *testAuthority) issueCertificate(csr *x509.CertificateRequest, order *testAuthorityOrder) ([]byte, error) {
	notBefore := time.Now().Add(-time.Minute)
	notAfter := time.Now().Add(90 * 24 * time.Hour)

	if order.NotBefore != nil {
		notBefore = *order.NotBefore
	}
	if order.NotAfter != nil {
		notAfter = *order.NotAfter
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(0).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, fmt.Errorf("cannot generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		DNSNames:     csr.DNSNames,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	leafData, err := x509.CreateCertificate(rand.Reader, &template,
		a.caCertificate, csr.PublicKey, a.caPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("cannot create certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(leafData)
	if err != nil {
		return nil, fmt.Errorf("cannot parse certificate: %w", err)
	}

	chain := []*x509.Certificate{leaf, a.caCertificate}

	return EncodePEMCertificateChain(chain), nil
}

func (a *testAuthority) hCertificate(w http.ResponseWriter, req *http.Request) {
	if !a.decodeRequest(w, req, nil) {
		return
	}

	a.mutex.Lock()
	certData := a.certificates[req.PathValue("id")]
	a.mutex.Unlock()

	if certData == nil {
		a.replyProblem(w, 404, ErrorTypeMalformed, "unknown certificate")
		return
	}

	w.Header().Set("Content-Type", "application/pem-certificate-chain")
	w.WriteHeader(200)
	w.Write(certData)
}
