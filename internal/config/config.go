// photovault is a single-tenant photo management server.
// Copyright (C) 2026 The photovault Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads photovault's enumerated configuration records with
// viper. Every field is named explicitly; unknown keys are rejected so a
// typo in a config file fails at startup instead of being silently
// ignored.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// ServerConfig controls the HTTP/SSE front end.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig controls the relational store.
type StoreConfig struct {
	DBRoot      string `mapstructure:"db_root"`
	TenantID    string `mapstructure:"tenant_id"`
}

// WorkerPoolConfig enumerates the worker pool's tunables, per §4.5.
type WorkerPoolConfig struct {
	TotalWorkers       int           `mapstructure:"total_workers"`
	PriorityThreshold  int           `mapstructure:"priority_threshold"`
	PriorityWorkers    int           `mapstructure:"priority_workers"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	StaleTimeout       time.Duration `mapstructure:"stale_timeout"`
	DefaultMaxAttempts int           `mapstructure:"default_max_attempts"`
	ClaimPollInterval  time.Duration `mapstructure:"claim_poll_interval"`
	AntiStarvationK    int           `mapstructure:"anti_starvation_k"`
}

// ImagingConfig holds the imaging section. Load decodes it, but no component
// reads it: generate_derivatives uses its own built-in defaults (320/82 for
// thumbnails, 1600/88 for previews) unless the job payload overrides them.
type ImagingConfig struct {
	ThumbnailMaxDim int `mapstructure:"thumbnail_max_dim"`
	ThumbnailQuality int `mapstructure:"thumbnail_quality"`
	PreviewMaxDim   int `mapstructure:"preview_max_dim"`
	PreviewQuality  int `mapstructure:"preview_quality"`
}

// EventBusConfig holds the event_bus section. Load decodes it, but no
// component reads it: the event bus uses fixed constants (256-event
// subscriber buffers, 100ms coalescing) and the API a fixed 30s keepalive.
type EventBusConfig struct {
	SubscriberBufferSize int           `mapstructure:"subscriber_buffer_size"`
	CoalesceWindow       time.Duration `mapstructure:"coalesce_window"`
	KeepaliveInterval    time.Duration `mapstructure:"keepalive_interval"`
}

// HashRotationConfig controls public-link hash lifetime, per §4.6.
// RotationHorizon is decoded but not read: hash_rotation reissues only
// hashes already past expiry.
type HashRotationConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	RotationHorizon time.Duration `mapstructure:"rotation_horizon"`
	Interval        time.Duration `mapstructure:"interval"`
}

// ProjectStoreConfig controls the filesystem root for project folders.
type ProjectStoreConfig struct {
	ProjectsRoot string `mapstructure:"projects_root"`
}

// Config is the top-level, enumerated configuration record. No free-form
// maps: every section is a named struct and unknown keys fail to load.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Store        StoreConfig        `mapstructure:"store"`
	WorkerPool   WorkerPoolConfig   `mapstructure:"worker_pool"`
	Imaging      ImagingConfig      `mapstructure:"imaging"`
	EventBus     EventBusConfig     `mapstructure:"event_bus"`
	HashRotation HashRotationConfig `mapstructure:"hash_rotation"`
	ProjectStore ProjectStoreConfig `mapstructure:"project_store"`
	LogLevel     string             `mapstructure:"log_level"`
}

// Load reads configPath (if non-empty) layered over defaults and
// PHOTOVAULT_-prefixed environment overrides, decoding strictly: unknown
// keys are a load error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("PHOTOVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&cfg, decodeHook, func(dc *mapstructure.DecoderConfig) {
		dc.ErrorUnused = true
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("store.db_root", "./data/db")
	v.SetDefault("store.tenant_id", "default")

	v.SetDefault("worker_pool.total_workers", 4)
	v.SetDefault("worker_pool.priority_threshold", 70)
	v.SetDefault("worker_pool.priority_workers", 1)
	v.SetDefault("worker_pool.heartbeat_interval", "10s")
	v.SetDefault("worker_pool.stale_timeout", "60s")
	v.SetDefault("worker_pool.default_max_attempts", 3)
	v.SetDefault("worker_pool.claim_poll_interval", "250ms")
	v.SetDefault("worker_pool.anti_starvation_k", 4)

	v.SetDefault("imaging.thumbnail_max_dim", 320)
	v.SetDefault("imaging.thumbnail_quality", 82)
	v.SetDefault("imaging.preview_max_dim", 1600)
	v.SetDefault("imaging.preview_quality", 88)

	v.SetDefault("event_bus.subscriber_buffer_size", 256)
	v.SetDefault("event_bus.coalesce_window", "100ms")
	v.SetDefault("event_bus.keepalive_interval", "30s")

	v.SetDefault("hash_rotation.ttl", "672h")
	v.SetDefault("hash_rotation.rotation_horizon", "504h")
	v.SetDefault("hash_rotation.interval", "1h")

	v.SetDefault("project_store.projects_root", "./data/projects")

	v.SetDefault("log_level", "info")
}
