// Package config handles configuration loading for the marker viewer server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/markerview/server/internal/dataset"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Render   RenderConfig    `yaml:"render"`
	Cache    CacheConfig     `yaml:"cache"`
	Regions  RegionsConfig   `yaml:"regions"`
	Import   ImportConfig    `yaml:"import"`
	Events   EventsConfig    `yaml:"events"`
	LOD      dataset.LOD     `yaml:"lod"`
	Datasets []DatasetSource `yaml:"datasets"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	ImageWidth      int     `yaml:"image_width"`
	ImageHeight     int     `yaml:"image_height"`
	CanvasWidth     int     `yaml:"canvas_width"`
	CanvasHeight    int     `yaml:"canvas_height"`
	MarkerScale     float64 `yaml:"marker_scale"`
	GlobalScale     float64 `yaml:"global_scale"`
	MinPointSize    float64 `yaml:"min_point_size"`
	MaxPointSize    float64 `yaml:"max_point_size"`
	DefaultColormap string  `yaml:"default_colormap"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	FrameSizeMB     int `yaml:"frame_size_mb"`
	FrameTTLMinutes int `yaml:"frame_ttl_minutes"`
	QueryCacheSize  int `yaml:"query_cache_size"`
}

// RegionsConfig contains region persistence settings. An empty SQLitePath
// keeps regions in memory only.
type RegionsConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// ImportConfig contains background import settings.
type ImportConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	QueueSize     int `yaml:"queue_size"`
	// RetentionMinutes is how long finished jobs stay queryable.
	RetentionMinutes int `yaml:"retention_minutes"`
}

// EventsConfig contains the optional NATS subscription. An empty URL
// disables it.
type EventsConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// DatasetSource is a CSV file loaded at startup.
type DatasetSource struct {
	Name        string            `yaml:"name"`
	Path        string            `yaml:"path"`
	Bindings    dataset.Bindings  `yaml:"bindings"`
	ColorPolicy string            `yaml:"color_policy"`
	Dictionary  map[string]string `yaml:"dictionary"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "Marker Viewer",
		},
		Render: RenderConfig{
			ImageWidth:      1024,
			ImageHeight:     1024,
			CanvasWidth:     1024,
			CanvasHeight:    1024,
			MarkerScale:     0.01,
			GlobalScale:     1,
			MinPointSize:    2,
			MaxPointSize:    256,
			DefaultColormap: "viridis",
		},
		Cache: CacheConfig{
			FrameSizeMB:     256,
			FrameTTLMinutes: 10,
			QueryCacheSize:  1024,
		},
		Import: ImportConfig{
			MaxConcurrent:    2,
			QueueSize:        16,
			RetentionMinutes: 60,
		},
		Events: EventsConfig{
			Subject: "markerview.display",
		},
		LOD: dataset.DefaultLOD(),
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}

	r, dr := &cfg.Render, defaults.Render
	if r.ImageWidth == 0 {
		r.ImageWidth = dr.ImageWidth
	}
	if r.ImageHeight == 0 {
		r.ImageHeight = r.ImageWidth
	}
	if r.CanvasWidth == 0 {
		r.CanvasWidth = dr.CanvasWidth
	}
	if r.CanvasHeight == 0 {
		r.CanvasHeight = dr.CanvasHeight
	}
	if r.MarkerScale == 0 {
		r.MarkerScale = dr.MarkerScale
	}
	if r.GlobalScale == 0 {
		r.GlobalScale = dr.GlobalScale
	}
	if r.MinPointSize == 0 {
		r.MinPointSize = dr.MinPointSize
	}
	if r.MaxPointSize == 0 {
		r.MaxPointSize = dr.MaxPointSize
	}
	if r.DefaultColormap == "" {
		r.DefaultColormap = dr.DefaultColormap
	}

	if cfg.Cache.FrameSizeMB == 0 {
		cfg.Cache.FrameSizeMB = defaults.Cache.FrameSizeMB
	}
	if cfg.Cache.FrameTTLMinutes == 0 {
		cfg.Cache.FrameTTLMinutes = defaults.Cache.FrameTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}

	if cfg.Import.MaxConcurrent == 0 {
		cfg.Import.MaxConcurrent = defaults.Import.MaxConcurrent
	}
	if cfg.Import.QueueSize == 0 {
		cfg.Import.QueueSize = defaults.Import.QueueSize
	}
	if cfg.Import.RetentionMinutes == 0 {
		cfg.Import.RetentionMinutes = defaults.Import.RetentionMinutes
	}

	if cfg.Events.Subject == "" {
		cfg.Events.Subject = defaults.Events.Subject
	}

	l, dl := &cfg.LOD, defaults.LOD
	if l.SubsampleFraction == 0 {
		l.SubsampleFraction = dl.SubsampleFraction
	}
	if l.MaxMarkers == 0 {
		l.MaxMarkers = dl.MaxMarkers
	}
	if l.LowResMarkers == 0 {
		l.LowResMarkers = dl.LowResMarkers
	}
	if l.Seed == 0 {
		l.Seed = dl.Seed
	}

	for i := range cfg.Datasets {
		if cfg.Datasets[i].Name == "" {
			cfg.Datasets[i].Name = cfg.Datasets[i].Path
		}
	}
}

func (cfg *Config) validate() error {
	if cfg.Render.MinPointSize > cfg.Render.MaxPointSize {
		return fmt.Errorf("render: min_point_size %v exceeds max_point_size %v", cfg.Render.MinPointSize, cfg.Render.MaxPointSize)
	}
	if cfg.LOD.SubsampleFraction < 0 || cfg.LOD.SubsampleFraction > 1 {
		return fmt.Errorf("lod: subsample_fraction %v outside [0,1]", cfg.LOD.SubsampleFraction)
	}
	for i, ds := range cfg.Datasets {
		if ds.Path == "" {
			return fmt.Errorf("datasets[%d]: path is required", i)
		}
		if ds.Bindings.X == "" || ds.Bindings.Y == "" {
			return fmt.Errorf("datasets[%d] (%s): bindings.x and bindings.y are required", i, ds.Name)
		}
		if _, err := dataset.ParseColorPolicy(ds.ColorPolicy); err != nil {
			return fmt.Errorf("datasets[%d] (%s): %w", i, ds.Name, err)
		}
	}
	return nil
}
