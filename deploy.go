package harmonics

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/birdayz/harmonics/hsource"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

var (
	errTransportKind = errors.New("unknown transport kind")
	errSinkKind      = errors.New("unknown sink kind")
	errLogLevel      = errors.New("unknown log level")
)

// Config is a deployment file. It lists the backends a graph is split
// across and how the pieces talk to each other.
//
//	backends  = ["cpu", "auto"]
//	available = ["cpu", "wasm"]
//	secure    = true
//	epochs    = 10
//
//	transport "kafka" {
//	  brokers      = [env.KAFKA_BROKER]
//	  topic_prefix = "harmonics"
//	}
//
//	sink "pebble" {
//	  dir = "/var/lib/harmonics"
//	}
//
//	log {
//	  level = "debug"
//	}
type Config struct {
	Backends  []string `hcl:"backends,optional"`
	Available []string `hcl:"available,optional"`
	Secure    bool     `hcl:"secure,optional"`
	Epochs    int      `hcl:"epochs,optional"`
	// Key is the hex encoded master key of secure schedulers.
	Key string `hcl:"key,optional"`

	Transport *TransportConfig `hcl:"transport,block"`
	S3        *S3Config        `hcl:"s3,block"`
	Sinks     []*SinkConfig    `hcl:"sink,block"`
	Log       *LogConfig       `hcl:"log,block"`
}

// TransportConfig selects how boundary frames travel. Kind is "inproc" or
// "kafka".
type TransportConfig struct {
	Kind        string   `hcl:"kind,label"`
	Brokers     []string `hcl:"brokers,optional"`
	TopicPrefix string   `hcl:"topic_prefix,optional"`
	Buffer      int      `hcl:"buffer,optional"`
}

type S3Config struct {
	Endpoint  string `hcl:"endpoint"`
	AccessKey string `hcl:"access_key,optional"`
	SecretKey string `hcl:"secret_key,optional"`
	Secure    bool   `hcl:"secure,optional"`
}

// SinkConfig adds an observation sink. Kind is "pebble" or "log".
type SinkConfig struct {
	Kind  string `hcl:"kind,label"`
	Dir   string `hcl:"dir,optional"`
	Level string `hcl:"level,optional"`
}

type LogConfig struct {
	Level  string `hcl:"level,optional"`
	Format string `hcl:"format,optional"`
}

// LoadConfig reads a deployment file. Environment variables are available
// to expressions as env.NAME.
func LoadConfig(path string) (*Config, error) {
	file, diags := hclparse.NewParser().ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, classify(ErrConfig, fmt.Errorf("failed to parse HCL file %s: %w", path, diags))
	}
	return decodeConfig(path, file)
}

// ParseConfig is LoadConfig for in-memory content. filename is only used in
// diagnostics.
func ParseConfig(src []byte, filename string) (*Config, error) {
	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, classify(ErrConfig, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags))
	}
	return decodeConfig(filename, file)
}

func decodeConfig(name string, file *hcl.File) (*Config, error) {
	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, envContext(), &cfg); diags.HasErrors() {
		return nil, classify(ErrConfig, fmt.Errorf("failed to decode HCL file %s: %w", name, diags))
	}
	return &cfg, nil
}

func envContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !hclIdent(k) {
			continue
		}
		vars[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(vars)},
	}
}

func hclIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r == '-' || r >= '0' && r <= '9'):
		default:
			return false
		}
	}
	return true
}

// BackendList parses the backends attribute.
func (c *Config) BackendList() ([]Backend, error) {
	return ParseBackends(c.Backends...)
}

// Options turns the file into handle options. The logger is not part of it;
// callers build one from Log and add WithLog or WithLogr themselves.
func (c *Config) Options() ([]Option, error) {
	var opts []Option
	if len(c.Available) > 0 {
		avail, err := ParseBackends(c.Available...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithAvailableBackends(avail...))
	}
	if c.Key != "" {
		key, err := hex.DecodeString(c.Key)
		if err != nil {
			return nil, classify(ErrConfig, fmt.Errorf("key: %w", err))
		}
		opts = append(opts, WithKey(key))
	}
	if t := c.Transport; t != nil {
		switch t.Kind {
		case "inproc":
			if t.Buffer > 0 {
				opts = append(opts, WithChannelBuffer(t.Buffer))
			}
		case "kafka":
			opts = append(opts, WithKafka(t.Brokers, t.TopicPrefix))
		default:
			return nil, classify(ErrConfig, fmt.Errorf("%w: %q", errTransportKind, t.Kind))
		}
	}
	if c.S3 != nil {
		opts = append(opts, WithS3(hsource.S3Config{
			Endpoint:  c.S3.Endpoint,
			AccessKey: c.S3.AccessKey,
			SecretKey: c.S3.SecretKey,
			Secure:    c.S3.Secure,
		}))
	}
	for _, s := range c.Sinks {
		switch s.Kind {
		case "pebble":
			opts = append(opts, WithPebbleSink(s.Dir))
		case "log":
			level, err := ParseLevel(s.Level)
			if err != nil {
				return nil, err
			}
			opts = append(opts, WithObservationLog(level))
		default:
			return nil, classify(ErrConfig, fmt.Errorf("%w: %q", errSinkKind, s.Kind))
		}
	}
	return opts, nil
}

// ParseLevel parses debug, info, warn or error. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, classify(ErrConfig, fmt.Errorf("%w: %q", errLogLevel, s))
}
