// Package track is the thin boundary between a GPS track (parsed
// elsewhere, from GPX or a similar format) and the pixel pipeline: it
// gives the renderer a concrete polyline type to composite atop tiles
// without pulling GPX parsing or any OAuth-gated track source into this
// module (spec.md §1 names track overlay as part of the system but keeps
// both out of scope).
//
// Grounded in MeKo-Christian-WaterColorMap's use of github.com/paulmach/orb
// for geometry types; orb is already an indirect dependency of the
// teacher repo via its vector-tile decoder, so this reuses rather than
// replaces it.
package track

import (
	"time"

	"github.com/paulmach/orb"
)

// Point is one recorded fix along a track.
type Point struct {
	Location orb.Point
	Time     time.Time
}

// Track is an ordered sequence of fixes. It carries no styling or
// simplification policy of its own; the renderer decides how to draw it.
type Track struct {
	Name   string
	Points []Point
}

// LineString projects the track to its bare geometry, discarding
// timestamps, for callers (the renderer, a bounding-box query) that only
// need the path.
func (t Track) LineString() orb.LineString {
	ls := make(orb.LineString, len(t.Points))
	for i, p := range t.Points {
		ls[i] = p.Location
	}
	return ls
}

// Bound returns the geographic bounding box of the track, used to decide
// which tiles a track overlay needs.
func (t Track) Bound() orb.Bound {
	return t.LineString().Bound()
}
