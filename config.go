package weft

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Config is the server configuration recognized by weft. It corresponds to
// the "Server Config" data model in the specification, plus the ambient
// fields needed to actually run the process (log file, dispatch sizing,
// timeouts).
type Config struct {
	// Host is the host part of the TCP address the server listens on.
	//
	// Default value: "127.0.0.1"
	Host string `mapstructure:"host"`

	// Port is the port the server listens on.
	//
	// Default value: 4242
	Port int `mapstructure:"port"`

	// LogLevel is one of "debug", "info", "warn", "error", "none".
	//
	// Default value: "info"
	LogLevel string `mapstructure:"log_level"`

	// LogFile, when set, points the Logger at a rotating file sink
	// instead of stdout.
	//
	// Default value: ""
	LogFile string `mapstructure:"log_file"`

	// Docs indicates whether the documentation endpoint is served.
	//
	// Default value: false
	Docs bool `mapstructure:"docs"`

	// DocsPath is the path the documentation endpoint is served on.
	//
	// Default value: "/docs"
	DocsPath string `mapstructure:"docs_path"`

	// DocsHTMLFile, when Docs is true, names a file on disk holding the
	// pre-rendered OpenAPI HTML that Run serves at DocsPath. The core
	// never generates this HTML itself (spec §1's external documentation
	// generator collaborator) — Run only reads and caches it.
	//
	// Default value: ""
	DocsHTMLFile string `mapstructure:"docs_html_file"`

	// BodySizeLimit is the maximum number of bytes collected for a
	// request body before the request is failed with a 413.
	//
	// Default value: 1048576 (1 MiB)
	BodySizeLimit int64 `mapstructure:"body_size_limit"`

	// CORSOrigin, CORSMethods, CORSHeaders and CORSCredentials configure
	// the default CORS response shaping. An empty CORSOrigin disables
	// CORS entirely.
	CORSOrigin      string `mapstructure:"cors_origin"`
	CORSMethods     string `mapstructure:"cors_methods"`
	CORSHeaders     string `mapstructure:"cors_headers"`
	CORSCredentials bool   `mapstructure:"cors_credentials"`

	// MethodNotAllowedEnabled indicates whether a path matched by
	// pattern but not by method yields 405 instead of 404.
	//
	// Default value: false
	MethodNotAllowedEnabled bool `mapstructure:"method_not_allowed_enabled"`

	// DispatchChannelSize is the capacity of the dispatch channel
	// between connection tasks and the executor loop.
	//
	// Default value: 1024
	DispatchChannelSize int `mapstructure:"dispatch_channel_size"`

	// ExecutorBatchSize is the maximum number of additional requests
	// drained non-blockingly per executor loop iteration.
	//
	// Default value: 32
	ExecutorBatchSize int `mapstructure:"executor_batch_size"`

	// RequestTimeout is the per-request deadline applied by a
	// connection task while awaiting the reply slot. Zero disables it.
	//
	// Default value: 0
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// ShutdownGracePeriod bounds how long Shutdown waits for
	// outstanding connection tasks to finish.
	//
	// Default value: 10s
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`

	// DebugMode, mirroring the teacher's own field of the same name,
	// governs whether handler error text (rather than a terse message)
	// is reflected back to the client when no on_error handler exists.
	//
	// Default value: false
	DebugMode bool `mapstructure:"debug_mode"`
}

// DefaultConfig returns a Config populated with the documented defaults.
func DefaultConfig() Config {
	return Config{
		Host:                "127.0.0.1",
		Port:                4242,
		LogLevel:            "info",
		DocsPath:            "/docs",
		BodySizeLimit:       1 << 20,
		DispatchChannelSize: 1024,
		ExecutorBatchSize:   32,
		ShutdownGracePeriod: 10 * time.Second,
	}
}

// Address returns the "host:port" TCP address described by the c.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadConfigFile reads the configuration file at path and decodes it into a
// Config seeded with DefaultConfig. The ".json", ".toml", ".yaml" and
// ".yml" extensions are recognized, matching the teacher's own
// `Air.ConfigFile` handling in air.go.
func LoadConfigFile(path string) (Config, error) {
	c := DefaultConfig()

	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}

	m := map[string]interface{}{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(b, &m)
	case ".toml":
		err = toml.Unmarshal(b, &m)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &m)
	default:
		err = fmt.Errorf("weft: unsupported configuration file extension: %s", ext)
	}
	if err != nil {
		return c, err
	}

	if err := mapstructure.Decode(m, &c); err != nil {
		return c, err
	}

	return c, nil
}
