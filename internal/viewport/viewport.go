// Package viewport defines the Viewport the renderer publishes to the
// orchestrator (spec.md §3) and the Camera helper that produces one from
// pan/zoom input.
//
// Camera is generalized from the teacher's internal/camera.Camera: the
// same Web Mercator pan/zoom math, but it now also tracks a velocity
// estimate from recent drag deltas so the planner can compute a projected
// viewport for speculative prefetch (spec.md §4.F step 4), which the
// teacher's camera never needed since it had no prefetch planner of its
// own.
package viewport

import (
	"math"
	"time"
)

// Velocity is a world-space rate of change in degrees per second, derived
// from recent pan motion.
type Velocity struct {
	DLonPerSec float64
	DLatPerSec float64
}

// Viewport is the visible world region requested by the renderer. It is
// never mutated by the core once published.
type Viewport struct {
	CenterLon float64
	CenterLat float64
	Zoom      float64 // fractional
	WidthPx   int
	HeightPx  int
	Velocity  *Velocity
}

const (
	MinZoom = 0.0
	MaxZoom = 18.0

	maxLat = 85.0511
)

// Camera tracks pan/zoom state and produces Viewport snapshots, the same
// role the teacher's camera.Camera played for its WebGPU renderer.
type Camera struct {
	lon, lat float64
	zoom     float64
	width, height int

	dragging        bool
	lastDragX, lastDragY float64
	lastDragAt      time.Time
	velocity        Velocity
}

// NewCamera creates a Camera centered on (lat, lon) at the given zoom and
// viewport size.
func NewCamera(lat, lon, zoom float64, width, height int) *Camera {
	return &Camera{lon: lon, lat: lat, zoom: clamp(zoom, MinZoom, MaxZoom), width: width, height: height}
}

// SetViewport updates the viewport pixel dimensions.
func (c *Camera) SetViewport(width, height int) {
	c.width, c.height = width, height
}

// Pan moves the camera by a pixel delta, so that map content shifts by
// (dxPx, dyPx) on screen. It does not change the velocity estimate; Drag
// updates that around its own call to Pan.
func (c *Camera) Pan(dxPx, dyPx float64) {
	scale := math.Pow(2, c.zoom)
	tileSize := 256.0
	lonPerPixel := 360.0 / (scale * tileSize)

	latRad := c.lat * math.Pi / 180.0
	metersPerPixel := 156543.03392 * math.Cos(latRad) / scale
	latPerPixel := metersPerPixel / 111319.9

	c.lon -= dxPx * lonPerPixel
	c.lat += dyPx * latPerPixel
	c.clampPosition()
}

// StartDrag begins a drag gesture at screen position (x, y).
func (c *Camera) StartDrag(x, y float64) {
	c.dragging = true
	c.lastDragX, c.lastDragY = x, y
	c.lastDragAt = time.Now()
	c.velocity = Velocity{}
}

// Drag continues a drag gesture, panning and updating the velocity
// estimate from elapsed wall time.
func (c *Camera) Drag(x, y float64) {
	if !c.dragging {
		return
	}
	now := time.Now()
	elapsed := now.Sub(c.lastDragAt).Seconds()

	beforeLon, beforeLat := c.lon, c.lat
	c.Pan(x-c.lastDragX, y-c.lastDragY)

	if elapsed > 0 {
		c.velocity = Velocity{
			DLonPerSec: (c.lon - beforeLon) / elapsed,
			DLatPerSec: (c.lat - beforeLat) / elapsed,
		}
	}

	c.lastDragX, c.lastDragY = x, y
	c.lastDragAt = now
}

// EndDrag ends the current drag gesture but preserves the last velocity
// estimate, so a flick continues to drive speculative prefetch briefly
// after release.
func (c *Camera) EndDrag() {
	c.dragging = false
}

// ZoomTo sets an absolute fractional zoom level, clamped to [MinZoom, MaxZoom].
func (c *Camera) ZoomTo(zoom float64) {
	c.zoom = clamp(zoom, MinZoom, MaxZoom)
}

// ZoomBy adjusts the zoom level by delta.
func (c *Camera) ZoomBy(delta float64) {
	c.ZoomTo(c.zoom + delta)
}

// IsDragging reports whether a drag gesture is in progress.
func (c *Camera) IsDragging() bool {
	return c.dragging
}

// Lat, Lon, and Zoom expose the camera's current center and zoom, for
// callers (window titles, HUDs) that only need a read.
func (c *Camera) Lat() float64  { return c.lat }
func (c *Camera) Lon() float64  { return c.lon }
func (c *Camera) Zoom() float64 { return c.zoom }

// ZoomIn and ZoomOut step the zoom level by a whole tile level, mirroring
// the teacher camera's integer zoom keys.
func (c *Camera) ZoomIn()  { c.ZoomBy(1) }
func (c *Camera) ZoomOut() { c.ZoomBy(-1) }

// ZoomAtPoint zooms in/out by delta while keeping the geographic point
// under (screenX, screenY) fixed on screen.
func (c *Camera) ZoomAtPoint(delta float64, screenX, screenY float64) {
	geoLon, geoLat := c.ScreenToGeo(screenX, screenY)

	newZoom := clamp(c.zoom+delta, MinZoom, MaxZoom)
	if newZoom == c.zoom {
		return
	}
	c.zoom = newZoom

	newScreenX, newScreenY := c.GeoToScreen(geoLon, geoLat)
	c.Pan(screenX-newScreenX, screenY-newScreenY)
}

// ScreenToGeo converts a pixel position within the viewport to a
// longitude/latitude, inverting the Web Mercator projection at the
// camera's current zoom.
func (c *Camera) ScreenToGeo(screenX, screenY float64) (lon, lat float64) {
	scale := math.Pow(2, c.zoom)
	tileSize := 256.0

	centerX := (c.lon + 180.0) / 360.0 * scale * tileSize
	latRad := c.lat * math.Pi / 180.0
	centerY := (1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * scale * tileSize

	worldX := centerX + (screenX - float64(c.width)/2)
	worldY := centerY + (screenY - float64(c.height)/2)

	lon = worldX/(scale*tileSize)*360.0 - 180.0
	lat = math.Atan(math.Sinh(math.Pi*(1-2*worldY/(scale*tileSize)))) * 180.0 / math.Pi
	return lon, lat
}

// GeoToScreen converts a longitude/latitude to its pixel position within
// the viewport at the camera's current zoom.
func (c *Camera) GeoToScreen(lon, lat float64) (screenX, screenY float64) {
	scale := math.Pow(2, c.zoom)
	tileSize := 256.0

	centerX := (c.lon + 180.0) / 360.0 * scale * tileSize
	latRad := c.lat * math.Pi / 180.0
	centerY := (1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * scale * tileSize

	targetX := (lon + 180.0) / 360.0 * scale * tileSize
	targetLatRad := lat * math.Pi / 180.0
	targetY := (1.0 - math.Log(math.Tan(targetLatRad)+1.0/math.Cos(targetLatRad))/math.Pi) / 2.0 * scale * tileSize

	screenX = targetX - centerX + float64(c.width)/2
	screenY = targetY - centerY + float64(c.height)/2
	return screenX, screenY
}

// TileScreenPosition returns the screen position of the top-left corner of
// tile (tileX, tileY) at the given integer zoom level.
func (c *Camera) TileScreenPosition(zoom, tileX, tileY int) (screenX, screenY float64) {
	scale := math.Pow(2, float64(zoom))
	tileSize := 256.0

	centerTileX := (c.lon + 180.0) / 360.0 * scale
	latRad := c.lat * math.Pi / 180.0
	centerTileY := (1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * scale

	screenX = float64(c.width)/2 + (float64(tileX)-centerTileX)*tileSize
	screenY = float64(c.height)/2 + (float64(tileY)-centerTileY)*tileSize
	return screenX, screenY
}

func (c *Camera) clampPosition() {
	for c.lon > 180 {
		c.lon -= 360
	}
	for c.lon < -180 {
		c.lon += 360
	}
	c.lat = clamp(c.lat, -maxLat, maxLat)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Snapshot returns the current state as a Viewport, including a velocity
// estimate when the camera has recently moved.
func (c *Camera) Snapshot() Viewport {
	vp := Viewport{
		CenterLon: c.lon,
		CenterLat: c.lat,
		Zoom:      c.zoom,
		WidthPx:   c.width,
		HeightPx:  c.height,
	}
	if c.velocity != (Velocity{}) {
		v := c.velocity
		vp.Velocity = &v
	}
	return vp
}
