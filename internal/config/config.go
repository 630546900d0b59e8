// Package config loads corral's host settings: where state and disks live,
// how to reach libvirt and how hard to push the host.
//
// Settings come from, in increasing precedence: built-in defaults, the YAML
// file (/etc/corral/config.yaml, ~/.config/corral/config.yaml or --config),
// CORRAL_* environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jbweber/corral/internal/errdefs"
	corrallibvirt "github.com/jbweber/corral/internal/libvirt"
	"github.com/jbweber/corral/internal/log"
)

// EnvPrefix prefixes every environment override, e.g. CORRAL_STATE_DIR.
const EnvPrefix = "CORRAL"

// Setting keys. Flags bound with BindFlags use the same names.
const (
	KeyStateDir        = "state-dir"
	KeyDiskDir         = "disk-dir"
	KeyLibvirtSocket   = "libvirt-socket"
	KeyLibvirtTimeout  = "libvirt-timeout"
	KeyShutdownTimeout = "shutdown-timeout"
	KeyParallelism     = "parallelism"
	KeyDiskReserve     = "disk-reserve"
	KeyAnsibleUser     = "ansible-user"
	KeyLogLevel        = "log-level"
	KeyLogFormat       = "log-format"
	KeyMetricsFile     = "metrics-file"
)

// Settings are the host-wide knobs shared by every cluster.
type Settings struct {
	StateDir        string        `mapstructure:"state-dir"`
	DiskDir         string        `mapstructure:"disk-dir"`
	LibvirtSocket   string        `mapstructure:"libvirt-socket"`
	LibvirtTimeout  time.Duration `mapstructure:"libvirt-timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`
	Parallelism     int           `mapstructure:"parallelism"`

	// DiskReserve is free space kept back on the disk directory's
	// filesystem, e.g. "20GB".
	DiskReserve Size `mapstructure:"disk-reserve"`

	AnsibleUser string `mapstructure:"ansible-user"`
	LogLevel    string `mapstructure:"log-level"`
	LogFormat   string `mapstructure:"log-format"`

	// MetricsFile receives a prometheus text exposition after each command
	// when set.
	MetricsFile string `mapstructure:"metrics-file"`
}

// Size is a byte count written in human units.
type Size int64

// GB returns the size in whole gigabytes, rounded up.
func (s Size) GB() int {
	return int((int64(s) + units.GB - 1) / units.GB)
}

func (s Size) String() string {
	return units.HumanSize(float64(s))
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		StateDir:        "/var/lib/corral/state",
		DiskDir:         "/var/lib/corral/disks",
		LibvirtSocket:   corrallibvirt.DefaultSocket,
		LibvirtTimeout:  corrallibvirt.DefaultDialTimeout,
		ShutdownTimeout: 2 * time.Minute,
		Parallelism:     4,
		DiskReserve:     Size(10 * units.GB),
		AnsibleUser:     "root",
		LogLevel:        "info",
		LogFormat:       log.FormatText,
	}
}

// New returns a viper instance reading corral settings from fs, seeded with
// the defaults and environment bindings.
func New(fs afero.Fs) *viper.Viper {
	v := viper.New()
	v.SetFs(fs)
	v.SetConfigType("yaml")

	d := Defaults()
	v.SetDefault(KeyStateDir, d.StateDir)
	v.SetDefault(KeyDiskDir, d.DiskDir)
	v.SetDefault(KeyLibvirtSocket, d.LibvirtSocket)
	v.SetDefault(KeyLibvirtTimeout, d.LibvirtTimeout)
	v.SetDefault(KeyShutdownTimeout, d.ShutdownTimeout)
	v.SetDefault(KeyParallelism, d.Parallelism)
	v.SetDefault(KeyDiskReserve, d.DiskReserve.String())
	v.SetDefault(KeyAnsibleUser, d.AnsibleUser)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyLogFormat, d.LogFormat)
	v.SetDefault(KeyMetricsFile, "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return v
}

// BindFlags makes every flag in fs override the setting of the same name.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	fs.VisitAll(func(flag *pflag.Flag) {
		_ = v.BindPFlag(flag.Name, flag)
	})
}

// Load reads the settings file and decodes the merged settings. An explicit
// path must exist; without one a missing file in the search path is fine.
func Load(v *viper.Viper, path string) (*Settings, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("/etc/corral")
		v.AddConfigPath("$HOME/.config/corral")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			stringToSizeHookFunc(),
		))); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the decoded settings.
func (s *Settings) Validate() error {
	if !filepath.IsAbs(s.StateDir) {
		return errdefs.Invalid(KeyStateDir, s.StateDir, "must be an absolute path")
	}
	if !filepath.IsAbs(s.DiskDir) {
		return errdefs.Invalid(KeyDiskDir, s.DiskDir, "must be an absolute path")
	}
	if s.Parallelism < 1 {
		return errdefs.Invalid(KeyParallelism, fmt.Sprint(s.Parallelism), "must be at least 1")
	}
	if s.ShutdownTimeout <= 0 {
		return errdefs.Invalid(KeyShutdownTimeout, s.ShutdownTimeout.String(), "must be positive")
	}
	if s.LibvirtTimeout <= 0 {
		return errdefs.Invalid(KeyLibvirtTimeout, s.LibvirtTimeout.String(), "must be positive")
	}
	if s.DiskReserve < 0 {
		return errdefs.Invalid(KeyDiskReserve, s.DiskReserve.String(), "must not be negative")
	}
	switch s.LogFormat {
	case log.FormatText, log.FormatJSON:
	default:
		return errdefs.Invalid(KeyLogFormat, s.LogFormat, "must be %s or %s", log.FormatText, log.FormatJSON)
	}
	return nil
}

// stringToSizeHookFunc decodes "20GB" style strings into a Size.
func stringToSizeHookFunc() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(Size(0)) {
			return data, nil
		}
		n, err := units.FromHumanSize(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid size %q: %w", data, err)
		}
		return Size(n), nil
	}
}
