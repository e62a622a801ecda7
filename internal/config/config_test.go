package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)

	// Case 0: defaults alone lack a signing secret
	{
		_, err := Decode(NewViper())
		assert.Error(err)
	}

	// Case 1: defaults plus a secret
	{
		v := NewViper()
		v.Set("auth.signing_secret", testSecret)
		cfg, err := Decode(v)
		require.NoError(t, err)
		assert.Equal("127.0.0.1:8088", cfg.Server.Addr())
		assert.Equal(60, cfg.Auth.TokenTTL)
		assert.Equal(10, cfg.Auth.HashCost)
		assert.Equal([]string{"http://localhost:3000", "http://localhost:3001"}, cfg.CORS.AllowedOrigins)
		assert.Equal(30, cfg.Session.PingInterval)
		assert.Equal(90, cfg.Session.IdleTimeout)
	}

	// Case 2: short secret
	{
		v := NewViper()
		v.Set("auth.signing_secret", "short")
		_, err := Decode(v)
		assert.Error(err)
	}

	// Case 3: principals with an unknown role
	{
		config := []byte(`---
auth:
  signing_secret: 0123456789abcdef0123456789abcdef
  principals:
    - username: admin
      password: password123
      role: owner`)
		v := NewViper()
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(config)))
		_, err := Decode(v)
		assert.Error(err)
	}

	// Case 4: invalid forecast endpoint
	{
		v := NewViper()
		v.Set("auth.signing_secret", testSecret)
		v.Set("forecast.endpoint", "not a url")
		_, err := Decode(v)
		assert.Error(err)
	}

	// Case 5: negative timeout
	{
		v := NewViper()
		v.Set("auth.signing_secret", testSecret)
		v.Set("server.write_timeout_sec", -10)
		_, err := Decode(v)
		assert.Error(err)
	}
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`---
server:
  listen_port: 9090
forecast:
  endpoint: http://forecast.internal:8000/predict
auth:
  principals:
    - username: admin
      password: password123
      role: admin
    - username: viewer
      password: viewerpass
      role: viewer
`), 0600))

	t.Setenv("GATEWAY_AUTH_SIGNING_SECRET", testSecret)
	t.Setenv("GATEWAY_SESSION_PING_INTERVAL_SEC", "15")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint16(9090), cfg.Server.Port)
	assert.Equal(t, testSecret, cfg.Auth.SigningSecret)
	assert.Equal(t, 15, cfg.Session.PingInterval)
	assert.Equal(t, "http://forecast.internal:8000/predict", cfg.Forecast.Endpoint)
	require.Len(t, cfg.Auth.Principals, 2)
	assert.Equal(t, "viewer", cfg.Auth.Principals[1].Role)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestHashCostBounds(t *testing.T) {
	assert := assert.New(t)

	for _, cost := range []int{3, 32} {
		v := NewViper()
		v.Set("auth.signing_secret", testSecret)
		v.Set("auth.hash_cost", cost)
		_, err := Decode(v)
		assert.Error(err, "cost %d", cost)
	}
}
