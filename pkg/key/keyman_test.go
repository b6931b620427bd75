package key

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelfSignedRoundTrip(t *testing.T) {
	pk, err := GeneratePK(2048)
	require.NoError(t, err)
	cert, err := SelfSigned([]string{"localhost", "127.0.0.1"}, pk, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost"}, cert.X509().DNSNames)
	assert.Len(t, cert.X509().IPAddresses, 1)

	dir := t.TempDir()
	certpath, keypath := filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
	require.NoError(t, cert.WriteFile(certpath))
	require.NoError(t, pk.WriteFile(keypath))

	cfg, err := LoadServerTLSConfig(certpath, keypath)
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)

	loaded, err := LoadCertificateFromFile(certpath)
	require.NoError(t, err)
	assert.Equal(t, cert.PEMEncoded(), loaded.PEMEncoded())
}

func TestLoadErrors(t *testing.T) {
	_, err := LoadServerTLSConfig("/nonexistent/cert.pem", "/nonexistent/key.pem")
	assert.Error(t, err)

	_, err = SelfSigned(nil, nil, time.Hour)
	assert.Error(t, err)
}
