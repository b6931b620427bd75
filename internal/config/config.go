// Package config holds the settings of a wafproxy process as filled in by
// the command line.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"wafproxy/internal/shipper"
	"wafproxy/pkg/buffer"
	"wafproxy/pkg/proxy"
)

var ErrInvalid = errors.New("invalid configuration")

const (
	DefaultSrcHost = "0.0.0.0"
	DefaultSrcPort = 9090
	catalogFile    = "catalog.db"
)

type Mongo struct {
	URI        string
	Database   string
	Collection string
}

type Minio struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	SSL       bool
}

type Config struct {
	SrcHost  string
	SrcPort  int
	DstHost  string
	DstPort  int
	RuleSets []string

	SSL      bool
	CertPath string
	KeyPath  string

	DenyTemplate     string
	RedirectTemplate string
	BufferSoft       int
	BufferHard       int
	DialTimeout      time.Duration
	DrainTimeout     time.Duration

	// LogDir enables the security log and its shipper.
	LogDir       string
	ShipInterval time.Duration
	BackupDir    string
	Descriptions string
	Mongo        Mongo
	Minio        Minio

	MonitorAddr   string
	MonitorSecret string
}

func Default() Config {
	backup := "wafproxy_logs_backup"
	if home, err := os.UserHomeDir(); err == nil {
		backup = filepath.Join(home, backup)
	}
	return Config{
		SrcHost:      DefaultSrcHost,
		SrcPort:      DefaultSrcPort,
		BufferSoft:   buffer.DefaultSoftThreshold,
		BufferHard:   buffer.DefaultHardCapacity,
		DialTimeout:  proxy.DefaultDialTimeout,
		DrainTimeout: proxy.DefaultDrainTimeout,
		ShipInterval: shipper.DefaultInterval,
		BackupDir:    backup,
		Mongo: Mongo{
			Database:   shipper.DefaultMongoDatabase,
			Collection: shipper.DefaultMongoCollection,
		},
	}
}

func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.SrcHost, strconv.Itoa(c.SrcPort))
}

func (c *Config) TargetAddr() string {
	return net.JoinHostPort(c.DstHost, strconv.Itoa(c.DstPort))
}

func (c *Config) CatalogPath() string {
	return filepath.Join(c.BackupDir, catalogFile)
}

// Validate checks everything serve needs before it binds anything.
func (c *Config) Validate() error {
	if net.ParseIP(c.SrcHost) == nil {
		return invalid("source host %q is not an IP address", c.SrcHost)
	}
	if c.SrcPort < 0 || c.SrcPort > 65535 {
		return invalid("source port %d out of range", c.SrcPort)
	}
	if c.DstHost == "" {
		return invalid("destination host is required")
	}
	if c.DstPort < 1 || c.DstPort > 65535 {
		return invalid("destination port %d out of range", c.DstPort)
	}
	if len(c.RuleSets) == 0 {
		return invalid("at least one rule set is required")
	}
	if c.SSL && (c.CertPath == "" || c.KeyPath == "") {
		return invalid("--ssl needs both --cert and --key")
	}
	if c.BufferSoft <= 0 || c.BufferHard <= 0 {
		return invalid("buffer sizes must be positive")
	}
	if c.BufferSoft > c.BufferHard {
		return invalid("soft threshold %d exceeds hard capacity %d", c.BufferSoft, c.BufferHard)
	}
	if c.DialTimeout <= 0 {
		return invalid("dial timeout must be positive")
	}
	if c.DrainTimeout <= 0 {
		return invalid("drain timeout must be positive")
	}
	if c.MonitorSecret != "" && c.MonitorAddr == "" {
		return invalid("--monitor-secret needs --monitor-addr")
	}
	if c.LogDir == "" {
		if c.Mongo.URI != "" || c.Minio.Endpoint != "" {
			return invalid("shipping to mongo or minio needs --log-dir")
		}
		return nil
	}
	return c.ValidateShipping()
}

// ValidateShipping checks the settings of the log shipper alone.
func (c *Config) ValidateShipping() error {
	if c.LogDir == "" {
		return invalid("--log-dir is required")
	}
	if c.BackupDir == "" {
		return invalid("--backup-dir is required")
	}
	if c.ShipInterval <= 0 {
		return invalid("ship interval must be positive")
	}
	if c.Minio.Endpoint != "" && c.Minio.Bucket == "" {
		return invalid("--minio-endpoint needs --minio-bucket")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
