// Package raster holds the decoded, backend-agnostic pixel buffer that
// flows from the decoder into the memory cache and out to the renderer.
package raster

// PixelFormat identifies the byte layout of a Raster's Pix slice.
type PixelFormat int

const (
	// RGBA8 is 4 bytes per pixel, straight (non-premultiplied) alpha.
	RGBA8 PixelFormat = iota
)

// Raster is an immutable decoded tile image. Once constructed it is never
// mutated; sharing it between the memory cache and renderer handles is
// safe by holding a *Raster pointer — Go's garbage collector frees the
// backing Pix slice once the last holder drops its reference, which is
// exactly the "last-holder-frees" semantics spec.md calls for without
// needing a manual refcounted handle.
type Raster struct {
	Width  int
	Height int
	Format PixelFormat
	Pix    []byte
}

// SizeBytes is the number of bytes this raster occupies for the purpose of
// the memory cache's byte budget accounting.
func (r *Raster) SizeBytes() int64 {
	if r == nil {
		return 0
	}
	return int64(len(r.Pix))
}

// EstimatedTileBytes approximates one decoded RGBA8 tile at the standard
// 256px tile size. The memory cache's eviction-admission gate needs a
// byte estimate before a speculative demand has actually been fetched and
// decoded, so it projects against this rather than a real Raster.
const EstimatedTileBytes = 256 * 256 * 4
