package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration makes time.Duration YAML-friendly: values are given as strings
// like "30s" or "24h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// PaperSize describes a paper format in inches, the unit Page.printToPDF expects.
type PaperSize struct {
	Width  float64 `yaml:"width"`
	Height float64 `yaml:"height"`
}

// PostgresConfig holds connection settings for the API token store.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// Config is the full service configuration, loaded from a YAML file.
type Config struct {
	Server struct {
		Host    string `yaml:"host"`
		Port    string `yaml:"port"`
		Prefork bool   `yaml:"prefork"`
	} `yaml:"server"`

	Logger struct {
		File       string `yaml:"file"`
		Level      string `yaml:"level"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logger"`

	Cache struct {
		PDFCacheEnabled bool     `yaml:"pdf_cache_enabled"`
		PDFCacheTTL     Duration `yaml:"pdf_cache_ttl"`
		RedisHost       string   `yaml:"redis_host"`
		RateLimitDB     int      `yaml:"redis_rate_db"`
		PDFCacheDB      int      `yaml:"redis_pdf_db"`
	} `yaml:"cache"`

	Limits struct {
		MaxHTMLBytes int `yaml:"max_html_bytes"`
		MaxPDFBytes  int `yaml:"max_pdf_bytes"`
	} `yaml:"limits"`

	Upload struct {
		MaxUploadBytes  int64 `yaml:"max_upload_bytes"`
		MaxExtractBytes int64 `yaml:"max_extract_bytes"`
		MaxZipEntries   int   `yaml:"max_zip_entries"`
	} `yaml:"upload"`

	PDF struct {
		DefaultPaper    string               `yaml:"default_paper"`
		PaperSizes      map[string]PaperSize `yaml:"paper_sizes"`
		DefaultMargin   string               `yaml:"default_margin"`
		TimeoutSecs     int                  `yaml:"timeout_secs"`
		ChromePath      string               `yaml:"chrome_path"`
		ChromeNoSandbox bool                 `yaml:"chrome_no_sandbox"`
		ChromePoolSize  int                  `yaml:"chrome_pool_size"`
		UserDataDir     string               `yaml:"user_data_dir"`
	} `yaml:"pdf"`

	RateLimiter struct {
		Interval          Duration `yaml:"interval"`
		UserLimit         int      `yaml:"user_limit"`
		EnableUserLimiter bool     `yaml:"enable_user_limiter"`
	} `yaml:"rate_limiter"`

	Auth struct {
		Postgres PostgresConfig `yaml:"postgres"`
	} `yaml:"auth"`
}

// Default returns a configuration that can run the service with no config
// file at all: local listener, A-series paper presets, caching off.
func Default() Config {
	var cfg Config
	cfg.Server.Host = ""
	cfg.Server.Port = ":8080"
	cfg.Logger.Level = "info"
	cfg.Cache.PDFCacheTTL = Duration(24 * time.Hour)
	cfg.Limits.MaxHTMLBytes = 10 * 1024 * 1024
	cfg.Limits.MaxPDFBytes = 50 * 1024 * 1024
	cfg.Upload.MaxUploadBytes = 50 * 1024 * 1024
	cfg.Upload.MaxExtractBytes = 200 * 1024 * 1024
	cfg.Upload.MaxZipEntries = 2000
	cfg.PDF.DefaultPaper = "A4"
	cfg.PDF.PaperSizes = map[string]PaperSize{
		"A4":      {Width: 8.27, Height: 11.69},
		"LETTER":  {Width: 8.5, Height: 11},
		"LEGAL":   {Width: 8.5, Height: 14},
		"TABLOID": {Width: 11, Height: 17},
	}
	cfg.PDF.DefaultMargin = "15mm"
	cfg.PDF.TimeoutSecs = 30
	cfg.RateLimiter.Interval = Duration(time.Minute)
	return cfg
}

// Load reads the configuration from CONFIG_PATH, falling back to
// ./config.yaml. A missing file yields the defaults; an unreadable or
// invalid file panics, as a service with a broken config must not start.
func Load() Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	return LoadFrom(path)
}

// LoadFrom reads and validates the configuration at the given path.
func LoadFrom(path string) Config {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg
		}
		panic(fmt.Sprintf("config: read %s: %v", path, err))
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		panic(fmt.Sprintf("config: parse %s: %v", path, err))
	}
	if err := cfg.validate(); err != nil {
		panic(fmt.Sprintf("config: %s: %v", path, err))
	}
	return cfg
}

func (c Config) validate() error {
	if c.Limits.MaxHTMLBytes <= 0 {
		return fmt.Errorf("limits.max_html_bytes must be positive")
	}
	if c.Limits.MaxPDFBytes <= 0 {
		return fmt.Errorf("limits.max_pdf_bytes must be positive")
	}
	if c.Upload.MaxUploadBytes <= 0 {
		return fmt.Errorf("upload.max_upload_bytes must be positive")
	}
	if c.Upload.MaxZipEntries <= 0 {
		return fmt.Errorf("upload.max_zip_entries must be positive")
	}
	if c.PDF.TimeoutSecs <= 0 {
		return fmt.Errorf("pdf.timeout_secs must be positive")
	}
	if c.PDF.ChromePoolSize < 0 {
		return fmt.Errorf("pdf.chrome_pool_size must not be negative")
	}
	if len(c.PDF.PaperSizes) == 0 {
		return fmt.Errorf("pdf.paper_sizes must not be empty")
	}
	if _, ok := c.PDF.PaperSizes[c.PDF.DefaultPaper]; !ok {
		return fmt.Errorf("pdf.default_paper %q has no entry in pdf.paper_sizes", c.PDF.DefaultPaper)
	}
	for name, p := range c.PDF.PaperSizes {
		if p.Width <= 0 || p.Height <= 0 {
			return fmt.Errorf("pdf.paper_sizes[%s] must have positive dimensions", name)
		}
	}
	if c.RateLimiter.UserLimit < 0 {
		return fmt.Errorf("rate_limiter.user_limit must not be negative")
	}
	if c.RateLimiter.Interval <= 0 {
		return fmt.Errorf("rate_limiter.interval must be positive")
	}
	return nil
}
