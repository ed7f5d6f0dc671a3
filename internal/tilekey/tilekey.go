// Package tilekey defines the tile identity and the pure translation from
// that identity to a provider URL and an on-disk path.
//
// Generalized from the teacher's pkg/tiles.TileCoord, which hardcoded a
// single Carto URL; here the URL/path template comes from a
// provider.Config so more than one tile server can be addressed.
package tilekey

import (
	"fmt"
	"path/filepath"
	"strconv"

	"ridemap/internal/provider"
)

// Key identifies one tile within one provider: (provider_id, z, x, y).
// Comparable and hashable, so it is usable directly as a map key.
type Key struct {
	ProviderID string
	Z, X, Y    int
}

// MaxTileIndex returns 2^z - 1, the largest valid x or y at zoom z.
func MaxTileIndex(z int) int {
	return (1 << uint(z)) - 1
}

// Valid reports whether the key's z is within [0, zMax] and x, y fall
// within the tile grid at that zoom. No tile-key with z > zMax is ever
// materialized (spec.md §3 invariant).
func (k Key) Valid(zMax int) bool {
	if k.Z < 0 || k.Z > zMax {
		return false
	}
	max := MaxTileIndex(k.Z)
	return k.X >= 0 && k.X <= max && k.Y >= 0 && k.Y <= max
}

// Less implements the total lexicographic order (provider_id, z, x, y)
// spec.md §3 requires.
func (k Key) Less(other Key) bool {
	if k.ProviderID != other.ProviderID {
		return k.ProviderID < other.ProviderID
	}
	if k.Z != other.Z {
		return k.Z < other.Z
	}
	if k.X != other.X {
		return k.X < other.X
	}
	return k.Y < other.Y
}

// URL joins the provider's server template with this key's coordinates:
// https://{server}/{z}/{x}/{y}{extension}
func (k Key) URL(cfg *provider.Config) string {
	return fmt.Sprintf("https://%s/%d/%d/%d%s", cfg.Server, k.Z, k.X, k.Y, cfg.Extension)
}

// DiskPath joins the cache root with the provider's cache_folder and this
// key's coordinates: <root>/<cache_folder>/<z>/<x>/<y><extension>
func (k Key) DiskPath(root string, cfg *provider.Config) string {
	return filepath.Join(root, cfg.CacheFolder,
		strconv.Itoa(k.Z), strconv.Itoa(k.X), strconv.Itoa(k.Y)+cfg.Extension)
}

// String renders the key as "provider/z/x/y" for logging and test output.
func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", k.ProviderID, k.Z, k.X, k.Y)
}

// Parent returns the ancestor key one zoom level coarser, used by the
// planner for speculative fallback imagery (spec.md §4.F step 4).
func (k Key) Parent() Key {
	return Key{ProviderID: k.ProviderID, Z: k.Z - 1, X: k.X / 2, Y: k.Y / 2}
}
