// Package decoder turns PNG tile bytes into a raster.Raster, running on a
// worker pool separate from the fetcher's network goroutines so large
// decodes cannot starve network completions (spec.md §4.D, §5).
//
// Generalized from the teacher's renderer.UploadTile, which decoded and
// RGBA-normalized inline on the caller's goroutine; here that work is
// moved onto a dedicated pool sized to GOMAXPROCS, since decoding is CPU
// work and the teacher's renderer ran it on whichever goroutine called it
// (fine for a single GUI thread, not fine for a shared pipeline).
package decoder

import (
	"bytes"
	"context"
	"image"
	"image/draw"
	_ "image/png"
	"runtime"

	"ridemap/internal/errs"
	"ridemap/internal/raster"
)

// job is one decode request submitted to the pool.
type job struct {
	data   []byte
	result chan<- result
}

type result struct {
	raster *raster.Raster
	err    error
}

// Pool decodes PNG bytes on a fixed set of worker goroutines.
type Pool struct {
	jobs chan job
	done chan struct{}
}

// NewPool starts a decode pool with the given worker count. A count <= 0
// defaults to runtime.GOMAXPROCS(0).
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	p := &Pool{
		jobs: make(chan job, workers*4),
		done: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for {
		select {
		case <-p.done:
			return
		case j := <-p.jobs:
			j.result <- decodeOne(j.data)
		}
	}
}

// Decode submits data for decoding and blocks until the result is ready or
// ctx is cancelled.
func (p *Pool) Decode(ctx context.Context, data []byte) (*raster.Raster, error) {
	resCh := make(chan result, 1)
	select {
	case p.jobs <- job{data: data, result: resCh}:
	case <-ctx.Done():
		return nil, errs.New(errs.Cancelled, ctx.Err())
	case <-p.done:
		return nil, errs.New(errs.Cancelled, nil)
	}

	select {
	case res := <-resCh:
		return res.raster, res.err
	case <-ctx.Done():
		return nil, errs.New(errs.Cancelled, ctx.Err())
	}
}

// Close stops all workers. In-flight decodes already read from the jobs
// channel still complete; queued-but-unstarted jobs are abandoned.
func (p *Pool) Close() {
	close(p.done)
}

func decodeOne(data []byte) result {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return result{err: errs.New(errs.Decode, err)}
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	return result{raster: &raster.Raster{
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Format: raster.RGBA8,
		Pix:    rgba.Pix,
	}}
}

// Decode is a convenience one-shot decode without a pool, used by callers
// (and tests) that don't need pooled dispatch.
func Decode(data []byte) (*raster.Raster, error) {
	res := decodeOne(data)
	return res.raster, res.err
}
