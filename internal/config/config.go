package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Enhance  EnhanceConfig  `yaml:"enhance"`
	Frames   FramesConfig   `yaml:"frames"`
	Trends   TrendsConfig   `yaml:"trends"`
	Publish  PublishConfig  `yaml:"publish"`
	Paths    PathsConfig    `yaml:"paths"`
}

type ServerConfig struct {
	Addr            string `yaml:"addr"`
	MaxUploadMB     int    `yaml:"max_upload_mb"`
	RequestLogLevel string `yaml:"request_log_level"`
}

type AnalysisConfig struct {
	Model            string `yaml:"model"`
	MaxRetries       int    `yaml:"max_retries"`
	TimeoutSec       int    `yaml:"timeout_sec"`
	TitleMaxChars    int    `yaml:"title_max_chars"`
	KeyMomentCount   int    `yaml:"key_moment_count"`
	ThumbMomentCount int    `yaml:"thumbnail_moment_count"`
	TagCount         int    `yaml:"tag_count"`
}

type EnhanceConfig struct {
	Model       string `yaml:"model"`
	MaxRetries  int    `yaml:"max_retries"`
	TimeoutSec  int    `yaml:"timeout_sec"`
	ThrottleMS  int    `yaml:"throttle_ms"`
	AspectRatio string `yaml:"aspect_ratio"`
}

type FramesConfig struct {
	FFmpegBin  string `yaml:"ffmpeg_bin"`
	FFprobeBin string `yaml:"ffprobe_bin"`
}

type TrendsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Subreddits []string `yaml:"subreddits"`
	PostLimit  int      `yaml:"post_limit"`
}

type PublishConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Visibility        string `yaml:"visibility"`
	CategoryID        string `yaml:"category_id"`
	NotifySubscribers bool   `yaml:"notify_subscribers"`
	MadeForKids       bool   `yaml:"made_for_kids"`
	DefaultLanguage   string `yaml:"default_language"`
}

type PathsConfig struct {
	Data    string `yaml:"data"`
	Uploads string `yaml:"uploads"`
	DBFile  string `yaml:"db_file"`
}

// Load reads config.yaml and returns a Config struct
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a usable configuration when no config.yaml is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.MaxUploadMB == 0 {
		c.Server.MaxUploadMB = 200
	}
	if c.Analysis.Model == "" {
		c.Analysis.Model = "gemini-3-flash-preview"
	}
	if c.Analysis.MaxRetries == 0 {
		c.Analysis.MaxRetries = 3
	}
	if c.Analysis.TimeoutSec == 0 {
		c.Analysis.TimeoutSec = 120
	}
	if c.Analysis.TitleMaxChars == 0 {
		c.Analysis.TitleMaxChars = 70
	}
	if c.Analysis.KeyMomentCount == 0 {
		c.Analysis.KeyMomentCount = 5
	}
	if c.Analysis.ThumbMomentCount == 0 {
		c.Analysis.ThumbMomentCount = 4
	}
	if c.Analysis.TagCount == 0 {
		c.Analysis.TagCount = 10
	}
	if c.Enhance.Model == "" {
		c.Enhance.Model = "gemini-2.5-flash-image"
	}
	if c.Enhance.MaxRetries == 0 {
		c.Enhance.MaxRetries = 3
	}
	if c.Enhance.TimeoutSec == 0 {
		c.Enhance.TimeoutSec = 120
	}
	if c.Enhance.ThrottleMS == 0 {
		c.Enhance.ThrottleMS = 800
	}
	if c.Enhance.AspectRatio == "" {
		c.Enhance.AspectRatio = "16:9"
	}
	if c.Trends.PostLimit == 0 {
		c.Trends.PostLimit = 10
	}
	if c.Publish.Visibility == "" {
		c.Publish.Visibility = "private"
	}
	if c.Publish.CategoryID == "" {
		c.Publish.CategoryID = "22"
	}
	if c.Publish.DefaultLanguage == "" {
		c.Publish.DefaultLanguage = "en"
	}
	if c.Paths.Data == "" {
		c.Paths.Data = "data"
	}
	if c.Paths.Uploads == "" {
		c.Paths.Uploads = "data/uploads"
	}
	if c.Paths.DBFile == "" {
		c.Paths.DBFile = "data/viralflow.db"
	}
}
