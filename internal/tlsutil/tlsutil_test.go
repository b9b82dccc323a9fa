package tlsutil

import (
	"crypto/tls"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTLSConfig(t *testing.T) {
	cfg := DefaultTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.ElementsMatch(t, aeadSuites, cfg.CipherSuites)

	cfg.CipherSuites[0] = 0
	assert.NotEqual(t, uint16(0), DefaultTLSConfig().CipherSuites[0], "each call returns its own slice")
}

func TestClientConfig_ServerName(t *testing.T) {
	assert.Equal(t, "redis.internal", ClientConfig("redis.internal:6380").ServerName)
	assert.Equal(t, "redis.internal", ClientConfig("redis.internal").ServerName)
}

func TestSecureHTTPClient(t *testing.T) {
	client := SecureHTTPClient(15 * time.Second)
	assert.Equal(t, 15*time.Second, client.Timeout)

	st, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	require.NotNil(t, st.TLSClientConfig)
	assert.Equal(t, uint16(tls.VersionTLS12), st.TLSClientConfig.MinVersion)
	assert.True(t, st.ForceAttemptHTTP2)
}
