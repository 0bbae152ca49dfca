package acmetls

import (
	"context"
	"testing"
)

type testLogger struct {
	t *testing.T
}

func (l testLogger) Debug(level int, format string, args ...any) {
	l.t.Logf(format, args...)
}

func (l testLogger) Info(format string, args ...any) {
	l.t.Logf(format, args...)
}

func (l testLogger) Error(format string, args ...any) {
	l.t.Logf("error: "+format, args...)
}

func newTestClient(t *testing.T, authority *testAuthority, cfg ClientCfg) *Client {
	if cfg.Log == nil {
		cfg.Log = testLogger{t: t}
	}

	if cfg.DataStore == nil {
		dataStore, err := NewFileSystemDataStore(t.TempDir())
		if err != nil {
			t.Fatalf("cannot create data store: %v", err)
		}

		cfg.DataStore = dataStore
	}

	if cfg.ContactURIs == nil {
		cfg.ContactURIs = []string{"mailto:test@example.com"}
	}

	if cfg.ChallengeType == "" {
		cfg.ChallengeType = ChallengeTypeTLSALPN01
	}

	cfg.DirectoryURI = authority.DirectoryURI()

	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("cannot create client: %v", err)
	}

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("cannot start client: %v", err)
	}

	t.Cleanup(client.Stop)

	return client
}
