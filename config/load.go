package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	berr "github.com/next-trace/scg-command-hub/contract/errors"
)

type loader struct {
	file      string
	paths     []string
	envPrefix string
	overrides map[string]any
	logger    *slog.Logger
}

// Option configures Load.
type Option func(*loader)

// WithFile reads the given properties file instead of searching for DefaultFileName.
func WithFile(path string) Option { return func(l *loader) { l.file = path } }

// WithSearchPaths sets the directories searched for DefaultFileName. Defaults to the working directory.
func WithSearchPaths(paths ...string) Option {
	return func(l *loader) { l.paths = append([]string(nil), paths...) }
}

// WithEnvPrefix namespaces environment variables, e.g. prefix "HUB" reads HUB_KAFKA_SDK_BOOTSTRAP.
func WithEnvPrefix(prefix string) Option { return func(l *loader) { l.envPrefix = prefix } }

// WithOverride sets a runtime value that wins over every other source.
func WithOverride(key string, value any) Option {
	return func(l *loader) {
		if l.overrides == nil {
			l.overrides = make(map[string]any)
		}
		l.overrides[key] = value
	}
}

// WithLogger sets the logger used for diagnostics such as a missing properties file.
func WithLogger(logger *slog.Logger) Option { return func(l *loader) { l.logger = logger } }

// Load resolves the configuration. A missing properties file is not an error;
// an unreadable or unparsable one is.
func Load(opts ...Option) (Config, error) {
	l := &loader{paths: []string{"."}, logger: slog.Default()}
	for _, o := range opts {
		o(l)
	}

	v := newViper()
	setDefaults(v)

	v.SetConfigType(propertiesFormat)

	if l.file != "" {
		v.SetConfigFile(l.file)
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultFileName, ".properties"))
		for _, p := range l.paths {
			v.AddConfigPath(p)
		}
	}

	if l.envPrefix != "" {
		v.SetEnvPrefix(l.envPrefix)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: read properties: %w", err)
		}

		l.logger.Warn("properties file not found, using environment and defaults", slog.String("file", DefaultFileName))
	}

	for k, val := range l.overrides {
		v.Set(k, val)
	}

	var num numbers

	cfg := Config{
		Enabled:        v.GetBool(KeySwitch),
		Transport:      strings.ToLower(strings.TrimSpace(v.GetString(KeyTransport))),
		Bootstrap:      splitList(v.GetString(KeyBootstrap)),
		PollPacing:     millis(num.int64(v, KeyPollPacing)),
		PollWait:       millis(num.int64(v, KeyPollWait)),
		MaxPollRecords: num.int(v, KeyMaxPollRecords),
		GroupID:        v.GetString(KeyGroupID),
		ClientID:       v.GetString(KeyClientID),
		Workers:        num.int(v, KeyWorkers),
		File:           v.ConfigFileUsed(),
	}

	if len(num.errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(append([]error{berr.ErrInvalidArgument}, num.errs...)...))
	}

	if cfg.ClientID == "" {
		cfg.ClientID = "command-hub-" + uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Default returns the built-in configuration without reading any source.
// Bootstrap is empty, so a loop initialized with it stays disabled.
func Default() Config {
	return Config{
		Enabled:        true,
		Transport:      DefaultTransport,
		PollPacing:     DefaultPollPacing,
		PollWait:       DefaultPollWait,
		MaxPollRecords: DefaultMaxPollRecords,
		GroupID:        DefaultGroupID,
		ClientID:       "command-hub-" + uuid.NewString(),
		Workers:        DefaultWorkers,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeySwitch, true)
	v.SetDefault(KeyBootstrap, "")
	v.SetDefault(KeyPollPacing, DefaultPollPacing.Milliseconds())
	v.SetDefault(KeyPollWait, DefaultPollWait.Milliseconds())
	v.SetDefault(KeyMaxPollRecords, DefaultMaxPollRecords)
	v.SetDefault(KeyGroupID, DefaultGroupID)
	v.SetDefault(KeyClientID, "")
	v.SetDefault(KeyTransport, DefaultTransport)
	v.SetDefault(KeyWorkers, DefaultWorkers)
}

func splitList(s string) []string {
	var out []string

	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}

	return out
}

// numbers collects parse failures so a typo such as "2s" for a millisecond
// value is reported instead of read as zero.
type numbers struct{ errs []error }

func (n *numbers) int64(v *viper.Viper, key string) int64 {
	i, err := cast.ToInt64E(trimmed(v.Get(key)))
	if err != nil {
		n.errs = append(n.errs, fmt.Errorf("%s: not an integer: %v", key, v.Get(key)))
	}

	return i
}

func (n *numbers) int(v *viper.Viper, key string) int {
	i, err := cast.ToIntE(trimmed(v.Get(key)))
	if err != nil {
		n.errs = append(n.errs, fmt.Errorf("%s: not an integer: %v", key, v.Get(key)))
	}

	return i
}

func trimmed(val any) any {
	if s, ok := val.(string); ok {
		return strings.TrimSpace(s)
	}

	return val
}

func millis(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }
