// Package config loads the sealml configuration in layers, lowest to highest:
// built-in defaults, an optional YAML file named by SEALML_CONFIG (or
// --config), SEALML_* environment variables and command-line flags. The
// merged result is validated before it is returned.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "SEALML_"

// ConfigEnv names the variable holding the optional YAML config file path.
const ConfigEnv = EnvPrefix + "CONFIG"

// Config holds the merged runtime configuration.
type Config struct {
	Addr             string        `koanf:"addr" validate:"required,ip_port"`
	DataDir          string        `koanf:"data_dir" validate:"required,safe_path"`
	MaxBytes         int64         `koanf:"max_bytes" validate:"gt=0"`
	InlineMax        int64         `koanf:"inline_max" validate:"gte=0"`
	Scheme           string        `koanf:"scheme" validate:"scheme"`
	KeyFile          string        `koanf:"key_file" validate:"omitempty,safe_path"`
	KeyEnv           string        `koanf:"key_env" validate:"omitempty,env_name"`
	KeySecretFile    string        `koanf:"key_secret_file"`
	TargetColumn     string        `koanf:"target_column" validate:"required"`
	MinRetention     time.Duration `koanf:"min_retention" validate:"gt=0"`
	MaxRetention     time.Duration `koanf:"max_retention" validate:"gt=0"`
	DefaultRetention time.Duration `koanf:"default_retention" validate:"gte=0"`
	JanitorInterval  time.Duration `koanf:"janitor_interval" validate:"gt=0"`
	MetricsFlush     time.Duration `koanf:"metrics_flush" validate:"gt=0"`
	MetricsToken     string        `koanf:"metrics_token"`
	LogLevel         string        `koanf:"log_level" validate:"oneof=debug info warn error"`
	LogFormat        string        `koanf:"log_format" validate:"oneof=text json"`
	ServerURL        string        `koanf:"server_url" validate:"omitempty,http_url"`
}

// DefaultAppConfig is the lowest configuration layer.
var DefaultAppConfig = Config{
	Addr:             ":8080",
	DataDir:          "data",
	MaxBytes:         8 << 20,
	InlineMax:        16 << 10,
	Scheme:           "token",
	KeyEnv:           "FERNET_KEY",
	TargetColumn:     "time",
	MinRetention:     time.Minute,
	MaxRetention:     90 * 24 * time.Hour,
	DefaultRetention: 30 * 24 * time.Hour,
	JanitorInterval:  time.Minute,
	MetricsFlush:     5 * time.Second,
	LogLevel:         "info",
	LogFormat:        "text",
	ServerURL:        "http://127.0.0.1:8080",
}

var (
	defaultLoader = func(k *koanf.Koanf) error {
		return k.Load(structs.Provider(DefaultAppConfig, "koanf"), nil)
	}
	fileLoader = func(k *koanf.Koanf, path string) error {
		if path == "" {
			return nil
		}
		return k.Load(file.Provider(path), yaml.Parser())
	}
	envLoader = func(k *koanf.Koanf) error {
		return k.Load(env.Provider(".", env.Opt{
			Prefix: EnvPrefix,
			TransformFunc: func(key, v string) (string, any) {
				key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
				if key == "config" {
					return "", nil
				}
				return key, v
			},
		}), nil)
	}
	flagLoader = func(k *koanf.Koanf, fs *pflag.FlagSet) error {
		if fs == nil {
			return nil
		}
		return k.Load(posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, any) {
			if f.Name == "config" {
				return "", nil
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(fs, f)
		}), nil)
	}
	registerValidators = func(v *validator.Validate) error {
		for tag, fn := range map[string]validator.Func{
			"ip_port":   validIPPort,
			"safe_path": validSafePath,
			"scheme":    validScheme,
			"env_name":  validEnvName,
		} {
			if err := v.RegisterValidation(tag, fn); err != nil {
				return err
			}
		}
		return nil
	}
)

// Load merges defaults, the optional YAML file and the environment.
func Load() (*Config, error) {
	return LoadWithFlags(nil)
}

// LoadWithFlags is Load with a parsed flag set as the highest layer. Only
// flags the user set override lower layers.
func LoadWithFlags(fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")
	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := fileLoader(k, configPath(fs)); err != nil {
		return nil, fmt.Errorf("load config file: %w", err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := flagLoader(k, fs); err != nil {
		return nil, fmt.Errorf("load flags: %w", err)
	}

	var cfg Config
	err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				StringToByteSize(),
			),
			Result:           &cfg,
			WeaklyTypedInput: true,
			TagName:          "koanf",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidators(v); err != nil {
		return nil, fmt.Errorf("register validators: %w", err)
	}
	if err := v.Struct(&cfg); err != nil {
		return nil, describe(err)
	}
	if err := cfg.checkRetention(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func configPath(fs *pflag.FlagSet) string {
	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Changed {
			return f.Value.String()
		}
	}
	return os.Getenv(ConfigEnv)
}

func (c *Config) checkRetention() error {
	if c.MinRetention >= c.MaxRetention {
		return errors.New("min_retention must be less than max_retention")
	}
	if c.DefaultRetention != 0 && (c.DefaultRetention < c.MinRetention || c.DefaultRetention > c.MaxRetention) {
		return errors.New("default_retention must be zero or between min_retention and max_retention")
	}
	return nil
}

// describe turns validator errors into "field: rule" messages keyed by the
// config names users actually type.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %s", keyFor(fe.StructField()), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

func keyFor(field string) string {
	var b strings.Builder
	prevLower := false
	for _, r := range field {
		upper := r >= 'A' && r <= 'Z'
		if upper {
			if prevLower {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		prevLower = !upper
		b.WriteRune(r)
	}
	return b.String()
}

// BindFlags defines every configuration flag on fs. Defaults shown in help
// come from DefaultAppConfig; only flags the user sets take effect.
func BindFlags(fs *pflag.FlagSet) {
	d := DefaultAppConfig
	fs.String("config", "", "YAML config file (also "+ConfigEnv+")")
	fs.String("addr", d.Addr, "listen address, host:port")
	fs.String("data-dir", d.DataDir, "directory for the database, blobs, model and key file")
	fs.String("max-bytes", FormatSize(d.MaxBytes), "maximum request body (bytes or KiB/MiB/GiB)")
	fs.String("inline-max", FormatSize(d.InlineMax), "largest blob stored inline in the index")
	fs.String("scheme", d.Scheme, "cipher scheme: token or stream")
	fs.String("key-file", d.KeyFile, "key file path (default <data-dir>/secret.key)")
	fs.String("key-env", d.KeyEnv, "environment variable holding an externally provided key")
	fs.String("key-secret-file", d.KeySecretFile, "mounted secret file holding an externally provided key")
	fs.String("target-column", d.TargetColumn, "dataset column the model predicts")
	fs.Duration("min-retention", d.MinRetention, "shortest retention a request may ask for")
	fs.Duration("max-retention", d.MaxRetention, "longest retention a request may ask for")
	fs.Duration("default-retention", d.DefaultRetention, "retention when a request names none (0 keeps forever)")
	fs.Duration("janitor-interval", d.JanitorInterval, "time between expiry sweeps")
	fs.Duration("metrics-flush", d.MetricsFlush, "time between metrics flushes")
	fs.String("metrics-token", d.MetricsToken, "bearer token guarding /metrics")
	fs.String("log-level", d.LogLevel, "debug, info, warn or error")
	fs.String("log-format", d.LogFormat, "text or json")
	fs.String("server-url", d.ServerURL, "sealml server base URL for remote commands")
}

// SQLiteDSN returns the DSN for the sealml database inside DataDir.
func (c *Config) SQLiteDSN() string {
	return "file:" + filepath.ToSlash(filepath.Join(c.DataDir, "sealml.db")) +
		"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_synchronous=FULL"
}

// BlobDir is where large protected blobs are kept.
func (c *Config) BlobDir() string { return filepath.Join(c.DataDir, "blobs") }

// ModelPath is where the trained model is persisted.
func (c *Config) ModelPath() string { return filepath.Join(c.DataDir, "model.cbor") }

// KeyPath is the local key file, KeyFile when set.
func (c *Config) KeyPath() string {
	if c.KeyFile != "" {
		return c.KeyFile
	}
	return filepath.Join(c.DataDir, "secret.key")
}

// Logger builds the process logger from LogLevel and LogFormat.
func (c *Config) Logger() *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
