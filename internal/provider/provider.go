// Package provider defines the immutable, read-only-shared bundle that
// tells the fetcher, disk store, and planner how to address one tile
// server (spec.md §3 ProviderConfig, §6 provider config file).
package provider

import (
	"net/http"

	"ridemap/internal/errs"
)

// Config is an immutable tile-provider description. It is created once at
// startup and shared read-only by the disk store, fetcher, and planner —
// it is never mutated after Load/Validate.
type Config struct {
	ID          string `mapstructure:"id"`
	Server      string `mapstructure:"server"`       // no scheme, no trailing slash
	Extension   string `mapstructure:"extension"`    // e.g. ".png", may begin with "@"
	CacheFolder string `mapstructure:"cache_folder"` // relative path
	Referer     string `mapstructure:"referer,omitempty"`
	UserAgent   string `mapstructure:"user_agent,omitempty"`
}

// Headers returns the HTTP headers the fetcher should set verbatim for
// requests against this provider (spec.md §6). Only non-empty fields are
// set.
func (c *Config) Headers() http.Header {
	h := make(http.Header)
	if c.Referer != "" {
		h.Set("Referer", c.Referer)
	}
	if c.UserAgent != "" {
		h.Set("User-Agent", c.UserAgent)
	}
	return h
}

// Validate rejects a config missing required fields. Fatal at startup,
// never raised at runtime (spec.md §7 ConfigInvalid).
func (c *Config) Validate() error {
	switch {
	case c.ID == "":
		return errs.New(errs.ConfigInvalid, configErr("provider id is required"))
	case c.Server == "":
		return errs.New(errs.ConfigInvalid, configErr("provider server is required"))
	case c.Extension == "":
		return errs.New(errs.ConfigInvalid, configErr("provider extension is required"))
	case c.CacheFolder == "":
		return errs.New(errs.ConfigInvalid, configErr("provider cache_folder is required"))
	}
	return nil
}

type configErr string

func (e configErr) Error() string { return string(e) }
