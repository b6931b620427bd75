package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func valid() Config {
	c := Default()
	c.DstHost = "backend.internal"
	c.DstPort = 8080
	c.RuleSets = []string{"etc/rules/*.conf"}
	return c
}

func TestDefaultIsValidOnceTargetIsSet(t *testing.T) {
	c := valid()
	require.NoError(t, c.Validate())
	assert.Equal(t, "0.0.0.0:9090", c.ListenAddr())
	assert.Equal(t, "backend.internal:8080", c.TargetAddr())
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"host name as source":  func(c *Config) { c.SrcHost = "localhost" },
		"source port":          func(c *Config) { c.SrcPort = 70000 },
		"no destination":       func(c *Config) { c.DstHost = "" },
		"destination port":     func(c *Config) { c.DstPort = 0 },
		"no rules":             func(c *Config) { c.RuleSets = nil },
		"ssl without key":      func(c *Config) { c.SSL, c.CertPath = true, "cert.pem" },
		"soft above hard":      func(c *Config) { c.BufferSoft, c.BufferHard = 10, 5 },
		"zero buffer":          func(c *Config) { c.BufferHard = 0 },
		"dial timeout":         func(c *Config) { c.DialTimeout = 0 },
		"drain timeout":        func(c *Config) { c.DrainTimeout = -time.Second },
		"secret without addr":  func(c *Config) { c.MonitorSecret = "x" },
		"mongo without logs":   func(c *Config) { c.Mongo.URI = "mongodb://localhost" },
		"minio without bucket": func(c *Config) { c.LogDir, c.Minio.Endpoint = "/var/log/wafproxy", "minio:9000" },
		"zero ship interval":   func(c *Config) { c.LogDir, c.ShipInterval = "/var/log/wafproxy", 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), err)
		})
	}
}

func TestValidateShipping(t *testing.T) {
	c := Default()
	assert.Error(t, c.ValidateShipping())

	c.LogDir = "/var/log/wafproxy"
	c.ShipInterval = time.Minute
	assert.NoError(t, c.ValidateShipping())
	assert.Contains(t, c.CatalogPath(), catalogFile)
}

func TestIPv6Listen(t *testing.T) {
	c := valid()
	c.SrcHost = "::1"
	require.NoError(t, c.Validate())
	assert.Equal(t, "[::1]:9090", c.ListenAddr())
}
