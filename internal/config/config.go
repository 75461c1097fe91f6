// Package config loads media-fetch settings from defaults, an optional YAML file and MEDIA_FETCH_* environment
// variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/alanbriolat/media-fetch/util"
)

const EnvPrefix = "MEDIA_FETCH_"

const (
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

type Config struct {
	DataDir     string `yaml:"data_dir"`
	DownloadDir string `yaml:"download_dir"`
	// WorkDir holds partial files and segments; defaults to <data dir>/work.
	WorkDir  string         `yaml:"work_dir"`
	Database DatabaseConfig `yaml:"database"`
	Segments SegmentsConfig `yaml:"segments"`
	// PersistInterval is how long task writes are batched before reaching the database.
	PersistInterval time.Duration    `yaml:"persist_interval"`
	Transfer        TransferConfig   `yaml:"transfer"`
	Transcoder      TranscoderConfig `yaml:"transcoder"`
	Resolver        ResolverConfig   `yaml:"resolver"`
	// FileNameTemplate names downloads submitted without a file name, see FileNameArgs.
	FileNameTemplate string `yaml:"file_name_template"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	// Path defaults to a file in the data directory named after the driver.
	Path string `yaml:"path"`
}

type SegmentsConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	MaxRetries    int `yaml:"max_retries"`
}

type TransferConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	RetryAttempts    int           `yaml:"retry_attempts"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	RetryMaxBackoff  time.Duration `yaml:"retry_max_backoff"`
	BandwidthLimit   int64         `yaml:"bandwidth_limit"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	UserAgent        string        `yaml:"user_agent"`
}

type TranscoderConfig struct {
	FFmpegPath string `yaml:"ffmpeg_path"`
	OutputExt  string `yaml:"output_ext"`
}

type ResolverConfig struct {
	ShortLinkHosts []string         `yaml:"short_link_hosts"`
	ContentHosts   []string         `yaml:"content_hosts"`
	PlayURL        string           `yaml:"play_url"`
	YouTube        bool             `yaml:"youtube"`
	Priorities     map[string]int16 `yaml:"priorities"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	dataDir := "."
	if dir, err := os.UserConfigDir(); err == nil {
		dataDir = filepath.Join(dir, "media-fetch")
	}
	return Config{
		DataDir:     dataDir,
		DownloadDir: ".",
		Database: DatabaseConfig{
			Driver: DriverBolt,
		},
		Segments: SegmentsConfig{
			MaxConcurrent: 3,
			MaxRetries:    3,
		},
		PersistInterval: 500 * time.Millisecond,
		Transfer: TransferConfig{
			Timeout:          30 * time.Second,
			RetryAttempts:    3,
			RetryBackoff:     500 * time.Millisecond,
			RetryMaxBackoff:  10 * time.Second,
			ProgressInterval: 250 * time.Millisecond,
			UserAgent:        "media-fetch/1.0",
		},
		Transcoder: TranscoderConfig{
			FFmpegPath: "ffmpeg",
			OutputExt:  ".mp4",
		},
		Resolver: ResolverConfig{
			ShortLinkHosts: []string{"v.douyin.com"},
			ContentHosts:   []string{"www.iesdouyin.com", "www.douyin.com"},
			PlayURL:        "https://www.iesdouyin.com/aweme/v1/play/",
			YouTube:        true,
		},
		FileNameTemplate: "{{.Base}}{{.Ext}}",
	}
}

// yamlConfig is used for YAML unmarshaling with string durations and sizes. Pointers tell "absent" from "false".
type yamlConfig struct {
	DataDir          string             `yaml:"data_dir"`
	DownloadDir      string             `yaml:"download_dir"`
	WorkDir          string             `yaml:"work_dir"`
	Database         DatabaseConfig     `yaml:"database"`
	Segments         SegmentsConfig     `yaml:"segments"`
	PersistInterval  string             `yaml:"persist_interval"`
	Transfer         yamlTransferConfig `yaml:"transfer"`
	Transcoder       TranscoderConfig   `yaml:"transcoder"`
	Resolver         yamlResolverConfig `yaml:"resolver"`
	FileNameTemplate string             `yaml:"file_name_template"`
}

type yamlTransferConfig struct {
	Timeout          string `yaml:"timeout"`
	RetryAttempts    *int   `yaml:"retry_attempts"`
	RetryBackoff     string `yaml:"retry_backoff"`
	RetryMaxBackoff  string `yaml:"retry_max_backoff"`
	BandwidthLimit   string `yaml:"bandwidth_limit"`
	ProgressInterval string `yaml:"progress_interval"`
	UserAgent        string `yaml:"user_agent"`
}

type yamlResolverConfig struct {
	ShortLinkHosts []string         `yaml:"short_link_hosts"`
	ContentHosts   []string         `yaml:"content_hosts"`
	PlayURL        string           `yaml:"play_url"`
	YouTube        *bool            `yaml:"youtube"`
	Priorities     map[string]int16 `yaml:"priorities"`
}

// LoadFromFile loads configuration from a YAML file on top of Default.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse reads YAML configuration on top of Default.
func Parse(data []byte) (Config, error) {
	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()
	setString(&cfg.DataDir, yc.DataDir)
	setString(&cfg.DownloadDir, yc.DownloadDir)
	setString(&cfg.WorkDir, yc.WorkDir)
	setString(&cfg.Database.Driver, yc.Database.Driver)
	setString(&cfg.Database.Path, yc.Database.Path)
	if yc.Segments.MaxConcurrent != 0 {
		cfg.Segments.MaxConcurrent = yc.Segments.MaxConcurrent
	}
	if yc.Segments.MaxRetries != 0 {
		cfg.Segments.MaxRetries = yc.Segments.MaxRetries
	}
	durations := []struct {
		name  string
		value string
		dest  *time.Duration
	}{
		{"persist_interval", yc.PersistInterval, &cfg.PersistInterval},
		{"transfer.timeout", yc.Transfer.Timeout, &cfg.Transfer.Timeout},
		{"transfer.retry_backoff", yc.Transfer.RetryBackoff, &cfg.Transfer.RetryBackoff},
		{"transfer.retry_max_backoff", yc.Transfer.RetryMaxBackoff, &cfg.Transfer.RetryMaxBackoff},
		{"transfer.progress_interval", yc.Transfer.ProgressInterval, &cfg.Transfer.ProgressInterval},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dest = parsed
	}
	if yc.Transfer.RetryAttempts != nil {
		cfg.Transfer.RetryAttempts = *yc.Transfer.RetryAttempts
	}
	if yc.Transfer.BandwidthLimit != "" {
		limit, err := ParseBandwidth(yc.Transfer.BandwidthLimit)
		if err != nil {
			return Config{}, fmt.Errorf("parse transfer.bandwidth_limit: %w", err)
		}
		cfg.Transfer.BandwidthLimit = limit
	}
	setString(&cfg.Transfer.UserAgent, yc.Transfer.UserAgent)
	setString(&cfg.Transcoder.FFmpegPath, yc.Transcoder.FFmpegPath)
	setString(&cfg.Transcoder.OutputExt, yc.Transcoder.OutputExt)
	if yc.Resolver.ShortLinkHosts != nil {
		cfg.Resolver.ShortLinkHosts = yc.Resolver.ShortLinkHosts
	}
	if yc.Resolver.ContentHosts != nil {
		cfg.Resolver.ContentHosts = yc.Resolver.ContentHosts
	}
	setString(&cfg.Resolver.PlayURL, yc.Resolver.PlayURL)
	if yc.Resolver.YouTube != nil {
		cfg.Resolver.YouTube = *yc.Resolver.YouTube
	}
	if yc.Resolver.Priorities != nil {
		cfg.Resolver.Priorities = yc.Resolver.Priorities
	}
	setString(&cfg.FileNameTemplate, yc.FileNameTemplate)

	return cfg, nil
}

// LoadFromEnv applies environment variables with the MEDIA_FETCH_ prefix.
func (c *Config) LoadFromEnv() error {
	stringVars := map[string]*string{
		"DATA_DIR":        &c.DataDir,
		"DOWNLOAD_DIR":    &c.DownloadDir,
		"WORK_DIR":        &c.WorkDir,
		"DATABASE_DRIVER": &c.Database.Driver,
		"DATABASE_PATH":   &c.Database.Path,
		"USER_AGENT":      &c.Transfer.UserAgent,
		"FFMPEG_PATH":     &c.Transcoder.FFmpegPath,
	}
	for name, dest := range stringVars {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dest = v
		}
	}
	ints := map[string]*int{
		"MAX_CONCURRENT_SEGMENTS": &c.Segments.MaxConcurrent,
		"MAX_SEGMENT_RETRIES":     &c.Segments.MaxRetries,
		"RETRY_ATTEMPTS":          &c.Transfer.RetryAttempts,
	}
	for name, dest := range ints {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s%s: %w", EnvPrefix, name, err)
			}
			*dest = n
		}
	}
	if v := os.Getenv(EnvPrefix + "TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %sTIMEOUT: %w", EnvPrefix, err)
		}
		c.Transfer.Timeout = d
	}
	if v := os.Getenv(EnvPrefix + "BANDWIDTH_LIMIT"); v != "" {
		limit, err := ParseBandwidth(v)
		if err != nil {
			return fmt.Errorf("parse %sBANDWIDTH_LIMIT: %w", EnvPrefix, err)
		}
		c.Transfer.BandwidthLimit = limit
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	if c.DownloadDir == "" {
		return errors.New("config: download_dir is required")
	}
	switch c.Database.Driver {
	case DriverBolt, DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	if c.Segments.MaxConcurrent <= 0 {
		return errors.New("config: segments.max_concurrent must be positive")
	}
	if c.Segments.MaxRetries <= 0 {
		return errors.New("config: segments.max_retries must be positive")
	}
	if c.Transfer.RetryAttempts < 0 {
		return errors.New("config: transfer.retry_attempts must not be negative")
	}
	if c.Transfer.BandwidthLimit < 0 {
		return errors.New("config: transfer.bandwidth_limit must not be negative")
	}
	if c.Transcoder.OutputExt != "" && !strings.HasPrefix(c.Transcoder.OutputExt, ".") {
		return errors.New("config: transcoder.output_ext must start with '.'")
	}
	if _, err := c.FileNamer(); err != nil {
		return err
	}
	return nil
}

// WorkPath is WorkDir, or <data dir>/work when unset.
func (c *Config) WorkPath() string {
	if c.WorkDir != "" {
		return c.WorkDir
	}
	return filepath.Join(c.DataDir, "work")
}

// DatabasePath is Database.Path, or a driver-specific file in the data directory when unset.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	switch c.Database.Driver {
	case DriverSQLite:
		return filepath.Join(c.DataDir, "tasks.sqlite")
	default:
		return filepath.Join(c.DataDir, "tasks.db")
	}
}

// ParseBandwidth parses a byte rate such as "2MB" or "512 KiB" (per second); "0" disables the limit.
func ParseBandwidth(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

func setString(dest *string, value string) {
	if value != "" {
		*dest = value
	}
}

// FileNameArgs are available to FileNameTemplate.
type FileNameArgs struct {
	// Base is the last URL path element without its extension, or "download".
	Base string
	// Ext is the extension of the output, including the dot.
	Ext string
	// ID is the task ID.
	ID string
}

// A FileNamer renders FileNameTemplate.
type FileNamer struct {
	template *template.Template
}

func (c *Config) FileNamer() (*FileNamer, error) {
	t, err := template.New("file_name").Parse(c.FileNameTemplate)
	if err != nil {
		return nil, fmt.Errorf("config: file_name_template: %w", err)
	}
	return &FileNamer{template: t}, nil
}

func (n *FileNamer) Name(args FileNameArgs) (string, error) {
	builder := strings.Builder{}
	if err := n.template.Execute(&builder, &args); err != nil {
		return "", err
	}
	return builder.String(), nil
}

// ForURL names a download of rawURL. A non-empty ext replaces the extension found in the URL. If the template fails
// the plain name from the URL is used.
func (n *FileNamer) ForURL(rawURL string, ext string, id string) string {
	plain := util.DefaultFilename(rawURL, "download", ext)
	args := FileNameArgs{Ext: path.Ext(plain), ID: id}
	args.Base = strings.TrimSuffix(plain, args.Ext)
	name, err := n.Name(args)
	if err != nil || util.SanitizeFilename(name) == "" {
		return plain
	}
	return util.SanitizeFilename(name)
}
