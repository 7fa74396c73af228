package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no -config flag is given.
const DefaultPath = "pseudos3.yaml"

// Config holds the process configuration of pseudos3.
//
// YAML example:
//
//	addr: ":9000"
//	data_root: "./data"
//	region: "us-east-1"
//	validate_signature: true
//	backend: "disk"      # disk or memory
//	metadata: "json"     # json, sqlite or memory
//	credentials:
//	  - access_key: "pseudoS3AccessKey"
//	    secret_key: "pseudoS3SecretKey"
//	tracing:
//	  enabled: true
//	  endpoint: "localhost:4318"
type Config struct {
	Addr              string       `yaml:"addr"`
	DataRoot          string       `yaml:"data_root"`
	Region            string       `yaml:"region"`
	ValidateSignature bool         `yaml:"validate_signature"`
	Backend           string       `yaml:"backend"`
	Metadata          string       `yaml:"metadata"`
	SQLitePath        string       `yaml:"sqlite_path,omitempty"` // defaults to {data_root}/metadata.db
	Credentials       []Credential `yaml:"credentials"`
	Owner             Owner        `yaml:"owner"`
	DateFormat        string       `yaml:"date_format,omitempty"`
	Domains           []string     `yaml:"domains,omitempty"`
	LogLevel          string       `yaml:"log_level"`
	HTTPS             HTTPS        `yaml:"https"`
	MetricsAddr       string       `yaml:"metrics_addr,omitempty"`
	Tracing           Tracing      `yaml:"tracing"`
}

type Credential struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

type Owner struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
}

// HTTPS is served only when both CertFile and KeyFile are set.
type HTTPS struct {
	Addr     string `yaml:"addr"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type Tracing struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio,omitempty"`
}

// Default returns a Config for a local development server.
func Default() Config {
	return Config{
		Addr:              ":9000",
		DataRoot:          "./data",
		Region:            "us-east-1",
		ValidateSignature: true,
		Backend:           "disk",
		Metadata:          "json",
		Owner: Owner{
			ID:          "randomOwnerID",
			DisplayName: "pseudo-s3",
		},
		LogLevel: "info",
		HTTPS: HTTPS{
			Addr: ":8443",
		},
		Tracing: Tracing{
			SampleRatio: 1.0,
		},
	}
}

// Load reads path, falling back to DefaultPath and then to Default when the
// file does not exist. Environment overrides are applied on top.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	return applyEnvOverrides(cfg), nil
}

func applyEnvOverrides(cfg Config) Config {
	if v := os.Getenv("PSEUDOS3_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("PSEUDOS3_DATA_ROOT"); v != "" {
		cfg.DataRoot = v
	}
	if v := os.Getenv("PSEUDOS3_REGION"); v != "" {
		cfg.Region = v
	}
	if v, ok := envBool("PSEUDOS3_VALIDATE_SIGNATURE"); ok {
		cfg.ValidateSignature = v
	}
	if v := os.Getenv("PSEUDOS3_BACKEND"); v != "" {
		cfg.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("PSEUDOS3_METADATA"); v != "" {
		cfg.Metadata = strings.ToLower(v)
	}
	if v := os.Getenv("PSEUDOS3_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PSEUDOS3_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v, ok := envBool("PSEUDOS3_TRACING_ENABLED"); ok {
		cfg.Tracing.Enabled = v
	}
	if v := os.Getenv("PSEUDOS3_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}

	// The AWS pair replaces any configured credentials.
	ak, sk := os.Getenv("AWS_ACCESS_KEY"), os.Getenv("AWS_SECRET_KEY")
	if ak != "" && sk != "" {
		cfg.Credentials = []Credential{{AccessKey: ak, SecretKey: sk}}
	}

	return cfg
}

// envBool reports the parsed value of a truthy/falsy environment variable
// and whether it was recognized.
func envBool(name string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "y", "on":
		return true, true
	case "0", "false", "no", "n", "off":
		return false, true
	}
	return false, false
}

// Parse builds the Config for a command line: the file named by -config (or
// DefaultPath), then the environment, then any flags that were set.
func Parse(name string, args []string) (Config, error) {
	flags := flag.NewFlagSet(name, flag.ContinueOnError)

	path := flags.String("config", "", "path to a YAML config file (default ./"+DefaultPath+")")
	addr := flags.String("listen", "", "HTTP listen address")
	dataRoot := flags.String("data-dir", "", "directory to store buckets and objects")
	region := flags.String("region", "", "default region")
	validate := flags.Bool("validate-signature", true, "verify request signatures")
	backend := flags.String("backend", "", "object backend: disk or memory")
	metadata := flags.String("metadata", "", "metadata store: json, sqlite or memory")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn or error")
	metricsAddr := flags.String("metrics-listen", "", "listen address of the Prometheus /metrics endpoint")
	domains := flags.String("domains", "", "comma-separated base domains for virtual-host addressing")

	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	cfg, err := Load(*path)
	if err != nil {
		return Config{}, err
	}

	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Addr = *addr
		case "data-dir":
			cfg.DataRoot = *dataRoot
		case "region":
			cfg.Region = *region
		case "validate-signature":
			cfg.ValidateSignature = *validate
		case "backend":
			cfg.Backend = strings.ToLower(*backend)
		case "metadata":
			cfg.Metadata = strings.ToLower(*metadata)
		case "log-level":
			cfg.LogLevel = *logLevel
		case "metrics-listen":
			cfg.MetricsAddr = *metricsAddr
		case "domains":
			cfg.Domains = splitAndTrim(*domains)
		}
	})

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects combinations the server cannot run with.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("config: addr must not be empty")
	}

	switch c.Backend {
	case "disk":
		if c.DataRoot == "" {
			return errors.New("config: data_root must be set for the disk backend")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}

	switch c.Metadata {
	case "json":
		if c.Backend != "disk" {
			return errors.New("config: json metadata requires the disk backend")
		}
	case "sqlite":
		if c.SQLitePath == "" && c.DataRoot == "" {
			return errors.New("config: sqlite metadata needs sqlite_path or data_root")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown metadata store %q", c.Metadata)
	}

	for i, cred := range c.Credentials {
		if cred.AccessKey == "" || cred.SecretKey == "" {
			return fmt.Errorf("config: credentials[%d] needs access_key and secret_key", i)
		}
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: log_level: %w", err)
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("config: tracing.sample_ratio %s out of range", strconv.FormatFloat(c.Tracing.SampleRatio, 'f', -1, 64))
	}

	return nil
}

func splitAndTrim(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
