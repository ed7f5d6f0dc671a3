// Package config loads the on-disk configuration that wires together a
// provider registry and the pipeline's tuning knobs (spec.md §6), via
// viper, generalizing the teacher's hand-rolled encoding/json singleton
// (which only ever held unrelated city-mask render flags) into the
// structured, validated load the rest of the corpus uses for its CLI
// tools (MeKo-Christian-WaterColorMap's internal/cmd).
package config

import (
	"time"

	"github.com/spf13/viper"

	"ridemap/internal/errs"
	"ridemap/internal/orchestrator"
	"ridemap/internal/planner"
	"ridemap/internal/provider"
)

// Tuning holds the pipeline tuning knobs spec.md §6 enumerates, with the
// same field names and defaults.
type Tuning struct {
	ParallelRequests    int64         `mapstructure:"parallel_requests"`
	MaxTileLevel        int           `mapstructure:"max_tile_level"`
	MaxPixelsPerTile    int           `mapstructure:"max_pixels_per_tile"`
	SpeculativeTileLoad bool          `mapstructure:"speculative_tile_load"`
	LazyUIRefresh       bool          `mapstructure:"lazy_ui_refresh"`
	MemBudgetBytes      int64         `mapstructure:"mem_budget_bytes"`
	FailCooldown        time.Duration `mapstructure:"fail_cooldown"`
	AllowOrphan         bool          `mapstructure:"allow_orphan"`
	RendererBufferDepth int           `mapstructure:"renderer_buffer_depth"`
	LookaheadSeconds    float64       `mapstructure:"lookahead_seconds"`
}

// Config is the full on-disk configuration: one provider registry plus
// one shared Tuning (spec.md treats tuning as process-wide, not
// per-provider).
type Config struct {
	CacheRoot string                      `mapstructure:"cache_root"`
	Tuning    Tuning                      `mapstructure:"tuning"`
	Providers map[string]*provider.Config `mapstructure:"providers"`
}

const (
	defaultParallelRequests    = 4
	defaultMaxTileLevel        = 18
	defaultMaxPixelsPerTile    = 256
	defaultMemBudgetBytes      = 256 << 20
	defaultFailCooldown        = 30 * time.Second
	defaultRendererBufferDepth = 64
	defaultLookaheadSeconds    = 1.0
)

func defaults(v *viper.Viper) {
	v.SetDefault("cache_root", ".ridemap-cache")
	v.SetDefault("tuning.parallel_requests", defaultParallelRequests)
	v.SetDefault("tuning.max_tile_level", defaultMaxTileLevel)
	v.SetDefault("tuning.max_pixels_per_tile", defaultMaxPixelsPerTile)
	v.SetDefault("tuning.speculative_tile_load", false)
	v.SetDefault("tuning.lazy_ui_refresh", false)
	v.SetDefault("tuning.mem_budget_bytes", defaultMemBudgetBytes)
	v.SetDefault("tuning.fail_cooldown", defaultFailCooldown)
	v.SetDefault("tuning.allow_orphan", true)
	v.SetDefault("tuning.renderer_buffer_depth", defaultRendererBufferDepth)
	v.SetDefault("tuning.lookahead_seconds", defaultLookaheadSeconds)
}

// Load reads and validates a config file at path. Unknown fields are
// rejected (spec.md §6 "unknown fields are rejected"); every provider
// entry is validated and stamped with its registry key as ID.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	defaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errs.New(errs.ConfigInvalid, err)
	}

	cfg := &Config{}
	if err := v.UnmarshalExact(cfg); err != nil {
		return nil, errs.New(errs.ConfigInvalid, err)
	}

	for id, p := range cfg.Providers {
		if p.ID == "" {
			p.ID = id
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// OrchestratorConfig builds an orchestrator.Config for providerID, wiring
// this Config's tuning knobs and provider registry entry into the shape
// orchestrator.New expects.
func (c *Config) OrchestratorConfig(providerID string) (orchestrator.Config, error) {
	p, ok := c.Providers[providerID]
	if !ok {
		return orchestrator.Config{}, errs.New(errs.ConfigInvalid, unknownProviderErr(providerID))
	}

	return orchestrator.Config{
		ProviderConfig:      p,
		CacheRoot:           c.CacheRoot,
		ParallelRequests:    c.Tuning.ParallelRequests,
		MemBudgetBytes:      c.Tuning.MemBudgetBytes,
		FailCooldown:        c.Tuning.FailCooldown,
		AllowOrphan:         c.Tuning.AllowOrphan,
		RendererBufferDepth: c.Tuning.RendererBufferDepth,
		Tuning: planner.Tuning{
			MaxTileLevel:        c.Tuning.MaxTileLevel,
			MaxPixelsPerTile:    c.Tuning.MaxPixelsPerTile,
			SpeculativeTileLoad: c.Tuning.SpeculativeTileLoad,
			LookaheadSeconds:    c.Tuning.LookaheadSeconds,
		},
	}, nil
}

type unknownProviderErr string

func (e unknownProviderErr) Error() string { return "config: unknown provider id " + string(e) }
