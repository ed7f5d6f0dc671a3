// Package planner translates a viewport into a priority-ordered set of
// tile keys to demand (spec.md §4.F).
//
// Generalized from the teacher's pkg/tiles.GetVisibleTiles/GetPrefetchTiles
// (fixed "viewport + 3 tiles" and "2.5x area, +-1 zoom" heuristics) and
// camera.Camera.GetTileBounds (viewport -> tile rectangle at the current
// zoom) into the spec's max_pixels_per_tile-driven zoom selection and
// explicit three-tier priority scheme.
package planner

import (
	"math"
	"sort"

	"ridemap/internal/diskstore"
	"ridemap/internal/provider"
	"ridemap/internal/tilekey"
	"ridemap/internal/viewport"
)

// Priority ranks demand strength; lower is stronger (spec.md §4.F).
type Priority int

const (
	// Required is priority 0: tiles covering the current viewport.
	Required Priority = 0
	// Speculative is priority 1: tiles covering the projected viewport.
	Speculative Priority = 1
	// Ancestor is priority 2: coarser-zoom fallback imagery.
	Ancestor Priority = 2
)

// String renders the priority for logging.
func (p Priority) String() string {
	switch p {
	case Required:
		return "required"
	case Speculative:
		return "speculative"
	case Ancestor:
		return "ancestor"
	default:
		return "unknown"
	}
}

// Demand is one entry in a DemandSet.
type Demand struct {
	Key      tilekey.Key
	Priority Priority
}

// DemandSet is a priority-ascending (strongest first), de-duplicated
// sequence of tile keys produced fresh on every plan tick.
type DemandSet []Demand

// Tuning holds the planner's configuration knobs (spec.md §6).
type Tuning struct {
	MaxTileLevel        int
	MaxPixelsPerTile    int
	SpeculativeTileLoad bool
	LookaheadSeconds     float64
}

const tileSizePx = 256.0

// Plan computes the DemandSet for vp under tuning, for provider providerID.
func Plan(providerID string, vp viewport.Viewport, tuning Tuning) DemandSet {
	z := chooseZoom(vp, tuning)

	order := make(map[tilekey.Key]int)
	var out DemandSet

	add := func(k tilekey.Key, p Priority) {
		if idx, ok := order[k]; ok {
			if p < out[idx].Priority {
				out[idx].Priority = p
			}
			return
		}
		order[k] = len(out)
		out = append(out, Demand{Key: k, Priority: p})
	}

	requiredTiles := tileRect(providerID, vp.CenterLon, vp.CenterLat, z, vp.WidthPx, vp.HeightPx)
	for _, k := range requiredTiles {
		add(k, Required)
	}

	if tuning.SpeculativeTileLoad {
		if vp.Velocity != nil {
			projLon := vp.CenterLon + vp.Velocity.DLonPerSec*tuning.LookaheadSeconds
			projLat := vp.CenterLat + vp.Velocity.DLatPerSec*tuning.LookaheadSeconds
			for _, k := range tileRect(providerID, projLon, projLat, z, vp.WidthPx, vp.HeightPx) {
				add(k, Speculative)
			}
		}

		// Ancestor fallback imagery is each required tile's direct parent
		// (spec.md §4.F step 4), not a second independent tile-rectangle
		// query: deriving it via Key.Parent keeps the ancestor tier exactly
		// aligned with what's actually on screen instead of approximating
		// it from a geo-coordinate rectangle at z-1.
		if z > 0 {
			seen := make(map[tilekey.Key]bool)
			for _, k := range requiredTiles {
				p := k.Parent()
				if seen[p] || !p.Valid(tuning.MaxTileLevel) {
					continue
				}
				seen[p] = true
				add(p, Ancestor)
			}
		}
	}

	return out
}

// PlanWithDisk computes the DemandSet exactly as Plan does, then downgrades
// the priority of any demand whose tile is already present on disk: a
// disk-resident tile is cheap to re-acquire regardless of its tier, so it
// doesn't need that tier's protection in the memory cache's eviction-
// admission gate (spec.md §4.B exists, §9 "speculative prefetch vs.
// budget"). Required tiles downgrade to Speculative, Speculative to
// Ancestor; Ancestor, already the weakest tier, is left alone. The result
// is re-sorted (stably) so it stays strongest-first.
//
// This only affects orchestrator-internal scheduling priority. The
// renderer draws from plain Plan's Required tier, so an on-disk tile never
// stops being drawn because of this downgrade.
func PlanWithDisk(providerID string, vp viewport.Viewport, tuning Tuning, disk *diskstore.Store, cfg *provider.Config) DemandSet {
	set := Plan(providerID, vp, tuning)
	for i, d := range set {
		if disk.Exists(d.Key, cfg) {
			set[i].Priority = downgrade(d.Priority)
		}
	}
	sort.SliceStable(set, func(i, j int) bool { return set[i].Priority < set[j].Priority })
	return set
}

func downgrade(p Priority) Priority {
	if p < Ancestor {
		return p + 1
	}
	return p
}

// chooseZoom starts from floor(vp.Zoom), clamped to [0, maxTileLevel], and
// steps to coarser zooms only while a rendered tile would be smaller than
// maxPixelsPerTile/2 on-screen pixels: it returns the finest such zoom at
// which each tile reaches that size, or 0 (spec.md §4.F step 1).
func chooseZoom(vp viewport.Viewport, tuning Tuning) int {
	z := int(math.Floor(vp.Zoom))
	if z < 0 {
		z = 0
	}
	if z > tuning.MaxTileLevel {
		z = tuning.MaxTileLevel
	}

	threshold := float64(tuning.MaxPixelsPerTile) / 2
	for z > 0 {
		onScreenPx := tileSizePx * math.Pow(2, vp.Zoom-float64(z))
		if onScreenPx >= threshold {
			break
		}
		z--
	}
	return z
}

// tileRect returns the inclusive tile-index rectangle covering a viewport
// centered at (lon, lat) at zoom z (spec.md §4.F step 2).
func tileRect(providerID string, lon, lat float64, z, widthPx, heightPx int) []tilekey.Key {
	n := math.Pow(2, float64(z))

	centerX := (lon + 180.0) / 360.0 * n
	latRad := lat * math.Pi / 180.0
	centerY := (1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n

	halfTilesX := float64(widthPx) / tileSizePx / 2
	halfTilesY := float64(heightPx) / tileSizePx / 2

	minX := int(math.Floor(centerX - halfTilesX))
	maxX := int(math.Ceil(centerX+halfTilesX)) - 1
	minY := int(math.Floor(centerY - halfTilesY))
	maxY := int(math.Ceil(centerY+halfTilesY)) - 1

	maxIdx := tilekey.MaxTileIndex(z)
	if minX < 0 {
		minX = 0
	}
	if minY < 0 {
		minY = 0
	}
	if maxX > maxIdx {
		maxX = maxIdx
	}
	if maxY > maxIdx {
		maxY = maxIdx
	}

	var keys []tilekey.Key
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			k := tilekey.Key{ProviderID: providerID, Z: z, X: x, Y: y}
			// The min/max clamp above already keeps x, y in range; Valid is
			// a second, explicit guard so no out-of-grid key is ever
			// materialized even if the clamp arithmetic above is wrong
			// (spec.md §3 invariant).
			if !k.Valid(z) {
				continue
			}
			keys = append(keys, k)
		}
	}
	return keys
}
