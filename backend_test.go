package acmetls

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolverBackend(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	backend := ResolverBackend{}

	_, err := backend.ServerConfig()
	require.Error(err)

	store := NewCertificateStore()
	resolver := NewCertificateResolver(store)

	backend = ResolverBackend{
		GetCertificate: resolver.GetCertificate,
		ALPNProtocols:  []string{"h2", "http/1.1"},
	}

	cfg, err := backend.ServerConfig()
	require.NoError(err)

	assert.NotNil(cfg.GetCertificate)
	assert.Equal([]string{"h2", "http/1.1"}, cfg.NextProtos)
}

func TestKeycertBackendData(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	identity := newTestIdentity(t, "example.localhost",
		time.Now().Add(time.Hour))
	certData, keyData := pemIdentity(t, identity)

	backend := KeycertBackend{
		CertificateData: certData,
		PrivateKeyData:  keyData,
	}

	cfg, err := backend.ServerConfig()
	require.NoError(err)
	require.Len(cfg.Certificates, 1)

	assert.Equal(identity.Chain[0].Raw, cfg.Certificates[0].Certificate[0])
}

func TestKeycertBackendPaths(t *testing.T) {
	require := require.New(t)

	identity := newTestIdentity(t, "example.localhost",
		time.Now().Add(time.Hour))
	certData, keyData := pemIdentity(t, identity)

	dirPath := t.TempDir()
	certPath := filepath.Join(dirPath, "cert.pem")
	keyPath := filepath.Join(dirPath, "key.pem")

	require.NoError(os.WriteFile(certPath, certData, 0600))
	require.NoError(os.WriteFile(keyPath, keyData, 0600))

	backend := KeycertBackend{
		CertificatePath: certPath,
		PrivateKeyPath:  keyPath,
	}

	cfg, err := backend.ServerConfig()
	require.NoError(err)
	require.Len(cfg.Certificates, 1)
}

func TestKeycertBackendMissingMaterial(t *testing.T) {
	require := require.New(t)

	backend := KeycertBackend{}
	_, err := backend.ServerConfig()
	require.Error(err)

	backend = KeycertBackend{CertificateData: []byte("data")}
	_, err = backend.ServerConfig()
	require.Error(err)

	backend = KeycertBackend{
		CertificatePath: "/nonexistent/cert.pem",
		PrivateKeyPath:  "/nonexistent/key.pem",
	}
	_, err = backend.ServerConfig()
	require.Error(err)
}

func TestPKCS12BackendInvalidArchive(t *testing.T) {
	require := require.New(t)

	backend := PKCS12Backend{}
	_, err := backend.ServerConfig()
	require.Error(err)

	backend = PKCS12Backend{
		ArchiveData: []byte("not a PKCS #12 archive"),
		Password:    "password",
	}
	_, err = backend.ServerConfig()
	require.Error(err)
}
