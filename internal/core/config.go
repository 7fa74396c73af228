package core

import (
	"time"

	"pseudos3/internal/auth"
	"pseudos3/internal/metrics"
	"pseudos3/internal/storage"
)

const (
	DefaultRegion           = "us-east-1"
	DefaultOwnerID          = "randomOwnerID"
	DefaultOwnerDisplayName = "pseudo-s3"
	DefaultDateFormat       = "2006-01-02T15:04:05.000Z"
)

type Config struct {
	DataDir string

	// Region is used when neither the credential scope nor the Host header
	// names one.
	Region string

	Backend       storage.Backend
	Metadata      storage.MetadataStore
	Authenticator auth.AuthEngine
	Credentials   auth.CredentialStore

	OwnerID          string
	OwnerDisplayName string

	// DateFormat is the time layout used for dates inside XML bodies.
	DateFormat string

	VerifySignatures bool

	// Domains are the base domains served with virtual-host addressing,
	// "{bucket}.{domain}". amazonaws.com hosts are always recognized.
	Domains []string

	Metrics *metrics.Metrics
	Clock   func() time.Time
}

type ConfigOption func(*Config)

func WithDataDir(dataDir string) ConfigOption {
	return func(cfg *Config) {
		cfg.DataDir = dataDir
	}
}

func WithRegion(region string) ConfigOption {
	return func(cfg *Config) {
		cfg.Region = region
	}
}

func WithBackend(backend storage.Backend) ConfigOption {
	return func(cfg *Config) {
		cfg.Backend = backend
	}
}

func WithMetadataStore(store storage.MetadataStore) ConfigOption {
	return func(cfg *Config) {
		cfg.Metadata = store
	}
}

// WithAuthEngine replaces the default SigV4 + presigned URL engine.
func WithAuthEngine(authenticator auth.AuthEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Authenticator = authenticator
	}
}

func WithCredentials(creds ...auth.Credential) ConfigOption {
	return func(cfg *Config) {
		cfg.Credentials = auth.NewStaticCredentialStore(creds...)
	}
}

func WithOwner(id string, displayName string) ConfigOption {
	return func(cfg *Config) {
		cfg.OwnerID = id
		cfg.OwnerDisplayName = displayName
	}
}

func WithDateFormat(layout string) ConfigOption {
	return func(cfg *Config) {
		cfg.DateFormat = layout
	}
}

func WithSignatureVerification(verify bool) ConfigOption {
	return func(cfg *Config) {
		cfg.VerifySignatures = verify
	}
}

func WithDomains(domains ...string) ConfigOption {
	return func(cfg *Config) {
		cfg.Domains = append(cfg.Domains, domains...)
	}
}

func WithMetrics(m *metrics.Metrics) ConfigOption {
	return func(cfg *Config) {
		cfg.Metrics = m
	}
}

func WithClock(clock func() time.Time) ConfigOption {
	return func(cfg *Config) {
		cfg.Clock = clock
	}
}

// NewConfig returns a Config with signature verification enabled and the
// given options applied. Remaining zero values are defaulted by NewServer.
func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{
		VerifySignatures: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (cfg *Config) now() time.Time {
	if cfg.Clock == nil {
		return time.Now()
	}
	return cfg.Clock()
}
