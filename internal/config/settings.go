package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/ccomkhj/datumaro-gui/internal/errhandling"
	"github.com/ccomkhj/datumaro-gui/internal/logger"
	"github.com/ccomkhj/datumaro-gui/internal/modules/filter"
	"github.com/ccomkhj/datumaro-gui/internal/modules/split"
	"github.com/ccomkhj/datumaro-gui/internal/runtime"
	"github.com/ccomkhj/datumaro-gui/internal/staging"
	"github.com/ccomkhj/datumaro-gui/internal/storage"
)

// DefaultSettingsFile is looked up in the working directory when no
// settings path is given.
const DefaultSettingsFile = "annotask.yaml"

// Settings is the process-wide annotask configuration.
type Settings struct {
	Paths   PathSettings   `yaml:"paths" toml:"paths"`
	Storage storage.Config `yaml:"storage" toml:"storage"`
	Split   SplitSettings  `yaml:"split" toml:"split"`
	Filter  FilterSettings `yaml:"filter" toml:"filter"`
	Server  ServerSettings `yaml:"server" toml:"server"`
	Log     LogSettings    `yaml:"log" toml:"log"`
}

// PathSettings locates the working directories.
type PathSettings struct {
	UploadDir string `yaml:"upload_dir" toml:"upload_dir"`
	ExportDir string `yaml:"export_dir" toml:"export_dir"`
	// AuditDB is the sqlite history file; empty disables the history.
	AuditDB string `yaml:"audit_db" toml:"audit_db"`
}

type SplitSettings struct {
	Mode   string        `yaml:"mode" toml:"mode"`
	Seed   int64         `yaml:"seed" toml:"seed"`
	Ratios []split.Ratio `yaml:"ratios" toml:"ratios"`
}

type FilterSettings struct {
	ItemTimeoutMs int `yaml:"item_timeout_ms" toml:"item_timeout_ms"`
}

type ServerSettings struct {
	Bind string `yaml:"bind" toml:"bind"`
}

type LogSettings struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	File   string `yaml:"file" toml:"file"`
}

// DefaultSettings returns the settings used when no file is present.
func DefaultSettings() Settings {
	return Settings{
		Paths: PathSettings{
			UploadDir: staging.DefaultUploadDir,
			ExportDir: runtime.DefaultExportDir,
			AuditDB:   "annotask.db",
		},
		Storage: storage.Config{
			CredentialsFile: storage.DefaultCredentialsFile,
			Retry:           errhandling.RetryConfig{}, // retries are opt-in
		},
		Split: SplitSettings{
			Mode:   string(split.ModeRandom),
			Ratios: split.DefaultRatios(),
		},
		Filter: FilterSettings{ItemTimeoutMs: int(filter.DefaultItemTimeout / time.Millisecond)},
		Server: ServerSettings{Bind: "127.0.0.1:8080"},
		Log:    LogSettings{Level: "info", Format: "auto"},
	}
}

// LoadSettings reads a YAML or TOML settings file, chosen by extension,
// over DefaultSettings. Unknown keys are rejected. A missing file at
// DefaultSettingsFile yields the defaults; any other missing file is an error.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	explicit := path != ""
	if !explicit {
		path = DefaultSettingsFile
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return s, errhandling.NewConfigError(fmt.Sprintf("reading settings %s", path), err)
	}

	switch DetectFormat(path) {
	case FormatTOML:
		dec := toml.NewDecoder(bytes.NewReader(content))
		dec.DisallowUnknownFields()
		err = dec.Decode(&s)
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(content))
		dec.KnownFields(true)
		err = dec.Decode(&s)
		if errors.Is(err, io.EOF) {
			err = nil
		}
	default:
		return s, errhandling.NewConfigError(fmt.Sprintf("settings %s: expected a .yaml, .yml or .toml file", path), nil)
	}
	if err != nil {
		return s, errhandling.NewConfigError(fmt.Sprintf("decoding settings %s", path), err)
	}

	if err := s.Validate(); err != nil {
		return s, err
	}
	logger.Debug("settings loaded", "path", path)
	return s, nil
}

// Validate checks value ranges that the decoders cannot.
func (s Settings) Validate() error {
	if s.Paths.UploadDir == "" || s.Paths.ExportDir == "" {
		return errhandling.NewConfigError("paths.upload_dir and paths.export_dir must be set", nil)
	}
	if err := split.ValidateRatios(s.Split.Ratios); err != nil {
		return errhandling.NewConfigError("split.ratios", err)
	}
	if _, err := split.ParseMode(s.Split.Mode); err != nil {
		return errhandling.NewConfigError("split.mode", err)
	}
	if s.Filter.ItemTimeoutMs < 0 {
		return errhandling.NewConfigError("filter.item_timeout_ms must not be negative", nil)
	}
	if err := s.Storage.Retry.Validate(); err != nil {
		return errhandling.NewConfigError("storage.retry", err)
	}
	return nil
}

// RuntimeOptions converts the settings into orchestrator options.
func (s Settings) RuntimeOptions() runtime.Options {
	mode, _ := split.ParseMode(s.Split.Mode)
	return runtime.Options{
		ExportDir:   s.Paths.ExportDir,
		Ratios:      s.Split.Ratios,
		SplitMode:   mode,
		Seed:        s.Split.Seed,
		ItemTimeout: time.Duration(s.Filter.ItemTimeoutMs) * time.Millisecond,
	}
}
