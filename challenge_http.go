package acmetls

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.n16f.net/log"
)

// WellKnownChallengePath is the path prefix under which HTTP-01 key
// authorizations are served (RFC 8555 8.3. HTTP Challenge).
const WellKnownChallengePath = "/.well-known/acme-challenge/"

type HTTPChallengeSolverCfg struct {
	Log Logger `json:"-"`

	Address string `json:"address"`
}

// HTTPChallengeSolver keeps the token to key-authorization mapping for
// in-flight HTTP-01 challenges. The mapping is populated by the issuance
// flow and consulted by whatever serves the well-known challenge path:
// either the embedded server started with Start, or an externally owned
// route using Handler or Lookup.
type HTTPChallengeSolver struct {
	Cfg HTTPChallengeSolverCfg
	Log Logger

	httpServer      *http.Server
	challenges      map[string]string // token to key authorization
	challengesMutex sync.Mutex

	wg sync.WaitGroup
}

func NewHTTPChallengeSolver(cfg HTTPChallengeSolverCfg) *HTTPChallengeSolver {
	if cfg.Log == nil {
		cfg.Log = NewDefaultLogger()
	}

	if cfg.Address == "" {
		// Usually we default to localhost for default server addresses, but
		// the very point of the HTTP challenge solver is to be reachable from
		// an external ACME server.
		cfg.Address = "0.0.0.0:80"
	}

	s := HTTPChallengeSolver{
		Cfg: cfg,
		Log: cfg.Log,

		challenges: make(map[string]string),
	}

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/", s.hNotFound)
	httpMux.Handle(WellKnownChallengePath+"{token}", s.Handler())

	httpServer := http.Server{
		Addr:    cfg.Address,
		Handler: httpMux,

		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       10 * time.Second,
	}

	if logger, ok := cfg.Log.(*log.Logger); ok {
		httpServer.ErrorLog = logger.StdLogger(log.LevelError)
	}

	s.httpServer = &httpServer

	return &s
}

// Start runs the embedded challenge server. Deployments exposing the
// well-known path on an existing HTTP server do not need it and should mount
// Handler instead.
func (s *HTTPChallengeSolver) Start() error {
	listener, err := net.Listen("tcp", s.Cfg.Address)
	if err != nil {
		return fmt.Errorf("cannot listen on %q: %w", s.Cfg.Address, err)
	}

	s.Log.Info("HTTP challenge solver listening on %q", s.Cfg.Address)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if err := s.httpServer.Serve(listener); err != nil {
			if err != http.ErrServerClosed {
				s.Log.Error("HTTP server error: %v", err)
			}
		}
	}()

	return nil
}

func (s *HTTPChallengeSolver) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.Log.Error("cannot shutdown server: %v", err)
	}

	s.wg.Wait()
}

// Lookup returns the key authorization associated with a challenge token.
// External route handlers answering the well-known path use it to build
// their response body.
func (s *HTTPChallengeSolver) Lookup(token string) (string, bool) {
	s.challengesMutex.Lock()
	defer s.challengesMutex.Unlock()

	keyAuthorization, found := s.challenges[token]
	return keyAuthorization, found
}

// Handler returns the handler answering GET requests for
// /.well-known/acme-challenge/{token}: 404 for unknown tokens, the exact key
// authorization string for known ones.
func (s *HTTPChallengeSolver) Handler() http.Handler {
	return http.HandlerFunc(s.hChallenge)
}

func (s *HTTPChallengeSolver) addChallenge(token, keyAuthorization string) {
	s.challengesMutex.Lock()
	s.challenges[token] = keyAuthorization
	s.challengesMutex.Unlock()
}

func (s *HTTPChallengeSolver) discardChallenge(token string) {
	s.challengesMutex.Lock()
	delete(s.challenges, token)
	s.challengesMutex.Unlock()
}

func (s *HTTPChallengeSolver) hNotFound(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(404)
}

func (s *HTTPChallengeSolver) hChallenge(w http.ResponseWriter, req *http.Request) {
	token := req.PathValue("token")
	if token == "" {
		// The handler may be mounted on an external router which does not
		// populate path values.
		token = strings.TrimPrefix(req.URL.Path, WellKnownChallengePath)
	}

	var statusCode int
	reply := func(status int, body string) {
		statusCode = status
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}

	defer func() {
		statusString := "-"
		if statusCode > 0 {
			statusString = strconv.Itoa(statusCode)
		}

		s.Log.Debug(2, "%s %s %s", req.Method, req.URL.String(), statusString)
	}()

	keyAuthorization, found := s.Lookup(token)
	if !found {
		reply(404, "unknown token")
		return
	}

	reply(200, keyAuthorization)
}
