package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.n16f.net/acmetls"
	"go.n16f.net/program"
)

func addServeCommand() {
	var c *program.Command

	c = p.AddCommand("serve", "start a demonstration HTTPS server",
		cmdServe)

	c.AddOption("a", "address", "address", ":8443",
		"the address to listen on formatted as \"<host>:<port>\"")
	c.AddOption("", "challenge", "type", string(acmetls.ChallengeTypeTLSALPN01),
		"the ACME challenge type (\"http-01\" or \"tls-alpn-01\")")
	c.AddOption("", "http-challenge-address", "address", "0.0.0.0:80",
		"the address of the HTTP-01 challenge server")

	c.AddTrailingArgument("domain", "a domain name to serve")
}

func cmdServe(p *program.Program) {
	addr := p.OptionValue("address")
	domains := p.TrailingArgumentValues("domain")
	challengeType := acmetls.ChallengeType(p.OptionValue("challenge"))

	innerListener, err := net.Listen("tcp", addr)
	if err != nil {
		p.Fatal("cannot listen on %q: %v", addr, err)
	}

	ctx := context.Background()

	listener, err := acmetls.NewAcmeListener(ctx, innerListener,
		acmetls.AcmeListenerCfg{
			Log:       p,
			DataStore: dataStore,

			DirectoryURI: p.OptionValue("server"),
			Domains:      domains,
			ContactURIs:  contactURIs(),

			ChallengeType:              challengeType,
			HTTPChallengeSolverAddress: p.OptionValue("http-challenge-address"),
		})
	if err != nil {
		p.Fatal("cannot create listener: %v", err)
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, 5*time.Minute)
	defer cancelWait()

	p.Info("waiting for a certificate")

	if err := listener.WaitForIdentity(waitCtx); err != nil {
		p.Fatal("cannot obtain certificate: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(200)
		io.WriteString(w, "Hello world!\n")
	})

	server := http.Server{
		Handler: mux,
	}

	p.Info("listening on %q", addr)

	go func() {
		if err := server.Serve(listener); err != http.ErrServerClosed {
			p.Fatal("cannot run HTTP server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	signo := <-sigChan
	p.Info("\nreceived signal %d (%v)", signo, signo)

	server.Shutdown(ctx)
	listener.Close()
}
