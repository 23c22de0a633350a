// Package config builds the server configuration from built-in defaults, an
// optional YAML file and FILEMANAGER_* environment variables, in that order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"

	"github.com/fruitsalade/filemanager/internal/filemanager"
	"github.com/fruitsalade/filemanager/internal/logging"
	"github.com/fruitsalade/filemanager/internal/storage"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "FILEMANAGER"

// FileEnv names the variable holding the optional YAML config path.
const FileEnv = EnvPrefix + "_CONFIG"

// Config holds all server configuration. It is built once at startup and
// never modified afterwards.
type Config struct {
	Server  ServerConfig `yaml:"server" envconfig:"SERVER"`
	Logging LogConfig    `yaml:"logging" envconfig:"LOG"`

	// DefaultDisk selects the entry of Disks the service runs on.
	DefaultDisk string          `yaml:"default_disk" envconfig:"DEFAULT_DISK"`
	Disks       map[string]Disk `yaml:"disks" ignored:"true"`
	// DiskDriver and DiskSettings replace the default disk from the
	// environment; settings are JSON.
	DiskDriver   string `yaml:"-" envconfig:"DISK_DRIVER"`
	DiskSettings string `yaml:"-" envconfig:"DISK_SETTINGS"`

	DefaultVisibility string          `yaml:"default_visibility" envconfig:"VISIBILITY"`
	Buttons           ButtonsConfig   `yaml:"buttons" envconfig:"BUTTON"`
	FilterPresets     FilterPresets   `yaml:"filters" envconfig:"FILTERS"`
	Upload            UploadConfig    `yaml:"upload" envconfig:"UPLOAD"`
	HiddenPatterns    []string        `yaml:"hidden" envconfig:"HIDDEN"`
	Thumbnails        ThumbnailConfig `yaml:"thumbnails" envconfig:"THUMB"`
	Links             LinksConfig     `yaml:"links" envconfig:"LINK"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`
	MetricsAddr     string        `yaml:"metrics_addr" envconfig:"METRICS_ADDR"`
	MaxRequestSize  int64         `yaml:"max_request_size" envconfig:"MAX_REQUEST_SIZE"` // bytes
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `yaml:"level" envconfig:"LEVEL"`
	Format     string `yaml:"format" envconfig:"FORMAT"`
	OutputPath string `yaml:"output_path" envconfig:"OUTPUT"`
}

// Disk is one configured storage backend.
type Disk struct {
	Driver   string         `yaml:"driver"`
	Settings map[string]any `yaml:"settings"`
}

// ButtonsConfig enables or disables individual operations.
type ButtonsConfig struct {
	CreateFolder bool `yaml:"create_folder" envconfig:"CREATE_FOLDER"`
	Upload       bool `yaml:"upload" envconfig:"UPLOAD"`
	DragDrop     bool `yaml:"drag_drop" envconfig:"DRAG_DROP"`
	RenameFolder bool `yaml:"rename_folder" envconfig:"RENAME_FOLDER"`
	DeleteFolder bool `yaml:"delete_folder" envconfig:"DELETE_FOLDER"`
	RenameFile   bool `yaml:"rename_file" envconfig:"RENAME_FILE"`
	DeleteFile   bool `yaml:"delete_file" envconfig:"DELETE_FILE"`
	Download     bool `yaml:"download" envconfig:"DOWNLOAD"`
}

// UploadConfig holds the default upload rules.
type UploadConfig struct {
	MaxSizeKB  int64    `yaml:"max_size_kb" envconfig:"MAX_SIZE_KB"`
	MinSizeKB  int64    `yaml:"min_size_kb" envconfig:"MIN_SIZE_KB"`
	Extensions []string `yaml:"extensions" envconfig:"EXTENSIONS"`
	MimeTypes  []string `yaml:"mime_types" envconfig:"MIME_TYPES"`
	Rules      RuleList `yaml:"rules" envconfig:"RULES"`
}

// ThumbnailConfig controls thumbnail generation.
type ThumbnailConfig struct {
	Extensions []string `yaml:"extensions" envconfig:"EXTENSIONS"`
	MaxSize    int64    `yaml:"max_size" envconfig:"MAX_SIZE"` // bytes
	Width      int      `yaml:"width" envconfig:"WIDTH"`
	Height     int      `yaml:"height" envconfig:"HEIGHT"`
}

// LinksConfig controls signed temporary links.
type LinksConfig struct {
	Secret string        `yaml:"secret" envconfig:"SECRET"`
	TTL    time.Duration `yaml:"ttl" envconfig:"TTL"`
}

// FilterPresets maps a preset name to file extensions. From the
// environment it reads as "images=jpg|png;docs=pdf|txt".
type FilterPresets map[string][]string

// Decode implements envconfig.Decoder.
func (f *FilterPresets) Decode(value string) error {
	presets := FilterPresets{}
	for _, group := range strings.Split(value, ";") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		name, exts, ok := strings.Cut(group, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return fmt.Errorf("filter preset %q: expected name=ext|ext", group)
		}
		var list []string
		for _, e := range strings.Split(exts, "|") {
			if e = strings.TrimSpace(e); e != "" {
				list = append(list, e)
			}
		}
		presets[name] = list
	}
	*f = presets
	return nil
}

// RuleList is a list of upload rule strings. From the environment the
// rules are separated by ";" since a rule may itself contain commas.
type RuleList []string

// Decode implements envconfig.Decoder.
func (r *RuleList) Decode(value string) error {
	var rules RuleList
	for _, rule := range strings.Split(value, ";") {
		if rule = strings.TrimSpace(rule); rule != "" {
			rules = append(rules, rule)
		}
	}
	*r = rules
	return nil
}

// Default returns the built-in configuration: one local disk under
// ./storage with every operation enabled.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			MetricsAddr:     ":9090",
			MaxRequestSize:  512 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "json",
		},
		DefaultDisk: "local",
		Disks: map[string]Disk{
			"local": {
				Driver: "local",
				Settings: map[string]any{
					"root_path":   "./storage",
					"create_dirs": true,
				},
			},
		},
		DefaultVisibility: string(storage.Public),
		Buttons: ButtonsConfig{
			CreateFolder: true,
			Upload:       true,
			DragDrop:     true,
			RenameFolder: true,
			DeleteFolder: true,
			RenameFile:   true,
			DeleteFile:   true,
			Download:     true,
		},
		FilterPresets: FilterPresets{
			"images":    {"jpg", "jpeg", "png", "gif", "webp", "svg", "bmp"},
			"videos":    {"mp4", "webm", "mov", "avi", "mkv"},
			"documents": {"pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "txt", "md", "csv"},
		},
		HiddenPatterns: []string{".*"},
		Thumbnails: ThumbnailConfig{
			Extensions: []string{"jpg", "jpeg", "png", "gif", "webp", "bmp"},
			MaxSize:    10 << 20,
			Width:      400,
			Height:     400,
		},
		Links: LinksConfig{
			TTL: 15 * time.Minute,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// FILEMANAGER_CONFIG if set, then FILEMANAGER_* environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := cfg.applyDiskEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyDiskEnv() error {
	if c.DiskDriver == "" {
		if c.DiskSettings != "" {
			return fmt.Errorf("%s_DISK_SETTINGS requires %s_DISK_DRIVER", EnvPrefix, EnvPrefix)
		}
		return nil
	}
	settings := map[string]any{}
	if c.DiskSettings != "" {
		if err := json.Unmarshal([]byte(c.DiskSettings), &settings); err != nil {
			return fmt.Errorf("parse %s_DISK_SETTINGS: %w", EnvPrefix, err)
		}
	}
	if c.Disks == nil {
		c.Disks = map[string]Disk{}
	}
	c.Disks[c.DefaultDisk] = Disk{Driver: c.DiskDriver, Settings: settings}
	return nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DefaultDisk == "" {
		return fmt.Errorf("default disk is required")
	}
	disk, ok := c.Disks[c.DefaultDisk]
	if !ok {
		return fmt.Errorf("default disk %q is not configured (have %s)", c.DefaultDisk, strings.Join(c.DiskNames(), ", "))
	}
	if disk.Driver == "" {
		return fmt.Errorf("disk %q: driver is required", c.DefaultDisk)
	}
	if !storage.Visibility(c.DefaultVisibility).Valid() {
		return fmt.Errorf("default visibility must be %q or %q, got %q", storage.Public, storage.Private, c.DefaultVisibility)
	}
	if c.Links.Secret != "" && len(c.Links.Secret) < 32 {
		return fmt.Errorf("link secret must be at least 32 bytes")
	}
	if c.Links.TTL < 0 {
		return fmt.Errorf("link ttl must not be negative")
	}
	if _, err := c.rules(); err != nil {
		return fmt.Errorf("upload rules: %w", err)
	}
	return nil
}

// DiskNames returns the configured disk ids in sorted order.
func (c *Config) DiskNames() []string {
	names := make([]string, 0, len(c.Disks))
	for name := range c.Disks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Disk returns the driver id and JSON settings of the named disk.
func (c *Config) Disk(name string) (string, json.RawMessage, error) {
	disk, ok := c.Disks[name]
	if !ok {
		return "", nil, fmt.Errorf("disk %q is not configured", name)
	}
	settings := disk.Settings
	if settings == nil {
		settings = map[string]any{}
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return "", nil, fmt.Errorf("disk %q settings: %w", name, err)
	}
	return disk.Driver, raw, nil
}

// LogConfig returns the logging settings in the form logging.Init takes.
func (c *Config) LogConfig() logging.Config {
	return logging.Config{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		OutputPath: c.Logging.OutputPath,
	}
}

func (c *Config) rules() (filemanager.Rules, error) {
	rules, err := filemanager.ParseRules(c.Upload.Rules)
	if err != nil {
		return filemanager.Rules{}, err
	}
	return rules.Merge(filemanager.Rules{
		MaxSize:    c.Upload.MaxSizeKB << 10,
		MinSize:    c.Upload.MinSizeKB << 10,
		Extensions: c.Upload.Extensions,
		MimeTypes:  c.Upload.MimeTypes,
	}), nil
}

// ServiceOptions converts the configuration into filemanager options.
func (c *Config) ServiceOptions() (filemanager.Options, error) {
	rules, err := c.rules()
	if err != nil {
		return filemanager.Options{}, fmt.Errorf("upload rules: %w", err)
	}
	return filemanager.Options{
		DefaultVisibility: storage.Visibility(c.DefaultVisibility),
		Buttons: filemanager.Buttons{
			CreateFolder: c.Buttons.CreateFolder,
			Upload:       c.Buttons.Upload,
			DragDrop:     c.Buttons.DragDrop,
			RenameFolder: c.Buttons.RenameFolder,
			DeleteFolder: c.Buttons.DeleteFolder,
			RenameFile:   c.Buttons.RenameFile,
			DeleteFile:   c.Buttons.DeleteFile,
			Download:     c.Buttons.Download,
		},
		FilterPresets:  c.FilterPresets,
		UploadRules:    rules,
		HiddenPatterns: c.HiddenPatterns,
		Thumbnails: filemanager.ThumbnailOptions{
			Extensions: c.Thumbnails.Extensions,
			MaxSize:    c.Thumbnails.MaxSize,
			Width:      c.Thumbnails.Width,
			Height:     c.Thumbnails.Height,
		},
	}, nil
}
