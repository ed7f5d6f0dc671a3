// Package renderer owns the WebGPU presentation of decoded tile rasters.
// It is the pixel-producing half of the original mapviewer GUI; it never
// touches the network or the cache, only whatever rasters the
// orchestrator has already handed it (spec.md's Non-goals exclude a
// renderer of its own, but a reference consumer of ReadyTile is required
// to exercise the pipeline end to end, so it is kept and adapted rather
// than built from nothing).
//
// Adapted from the teacher's internal/renderer/renderer.go: the WebGPU
// bootstrap (swap chain, pipeline, sampler, bind group layout) and the
// per-tile textured-quad draw loop are unchanged in spirit, but tiles are
// now addressed by tilekey.Key instead of pkg/tiles.TileCoord, uploaded
// as an already-decoded *raster.Raster instead of raw encoded bytes (the
// pipeline decodes once, in internal/decoder, not once per GPU consumer),
// and the per-frame visible set comes from planner.Plan's Required tier
// instead of the teacher's own GetTileBounds grid walk. The city-mask
// shader uniform and vector-tile city overlay are dropped entirely: they
// rendered a feature (an OSM place-label mask) this pipeline does not
// model.
package renderer

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/rajveermalviya/go-webgpu/wgpu"

	"ridemap/internal/planner"
	"ridemap/internal/raster"
	"ridemap/internal/tilekey"
	"ridemap/internal/viewport"
)

const TileSize = 256

// Vertex represents a vertex with position and texture coordinates.
type Vertex struct {
	Position [2]float32
	TexCoord [2]float32
}

// TileTexture holds GPU resources for a single tile.
type TileTexture struct {
	Texture *wgpu.Texture
	View    *wgpu.TextureView
}

// Renderer handles all WebGPU rendering.
type Renderer struct {
	device          *wgpu.Device
	queue           *wgpu.Queue
	surface         *wgpu.Surface
	adapter         *wgpu.Adapter
	swapChain       *wgpu.SwapChain
	swapChainFormat wgpu.TextureFormat
	pipeline        *wgpu.RenderPipeline
	sampler         *wgpu.Sampler
	bindGroupLayout *wgpu.BindGroupLayout

	placeholder *TileTexture
	textures    map[string]*TileTexture
	texturesMu  sync.RWMutex

	width  uint32
	height uint32
}

// NewRenderer creates a new WebGPU renderer.
func NewRenderer(adapter *wgpu.Adapter, device *wgpu.Device, queue *wgpu.Queue, surface *wgpu.Surface, width, height uint32) (*Renderer, error) {
	r := &Renderer{
		adapter:  adapter,
		device:   device,
		queue:    queue,
		surface:  surface,
		width:    width,
		height:   height,
		textures: make(map[string]*TileTexture),
	}

	if err := r.init(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Renderer) init() error {
	r.swapChainFormat = r.surface.GetPreferredFormat(r.adapter)

	var err error
	r.swapChain, err = r.device.CreateSwapChain(r.surface, &wgpu.SwapChainDescriptor{
		Usage:       wgpu.TextureUsage_RenderAttachment,
		Format:      r.swapChainFormat,
		Width:       r.width,
		Height:      r.height,
		PresentMode: wgpu.PresentMode_Fifo,
	})
	if err != nil {
		return fmt.Errorf("swap chain creation failed: %w", err)
	}

	shaderCode := `
struct VertexInput {
    @location(0) position: vec2<f32>,
    @location(1) texCoord: vec2<f32>,
}

struct VertexOutput {
    @builtin(position) position: vec4<f32>,
    @location(0) texCoord: vec2<f32>,
}

struct TileInfo {
    offset: vec2<f32>,
    scale: vec2<f32>,
}

@group(0) @binding(0) var<uniform> tile: TileInfo;
@group(0) @binding(1) var tileSampler: sampler;
@group(0) @binding(2) var tileTexture: texture_2d<f32>;

@vertex
fn vs_main(in: VertexInput) -> VertexOutput {
    var out: VertexOutput;
    let pos = in.position * tile.scale + tile.offset;
    out.position = vec4<f32>(pos, 0.0, 1.0);
    out.texCoord = in.texCoord;
    return out;
}

@fragment
fn fs_main(in: VertexOutput) -> @location(0) vec4<f32> {
    return textureSample(tileTexture, tileSampler, in.texCoord);
}
`
	shader, err := r.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "tile_shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: shaderCode},
	})
	if err != nil {
		return fmt.Errorf("shader creation failed: %w", err)
	}
	defer shader.Release()

	r.sampler, err = r.device.CreateSampler(&wgpu.SamplerDescriptor{
		AddressModeU:   wgpu.AddressMode_ClampToEdge,
		AddressModeV:   wgpu.AddressMode_ClampToEdge,
		AddressModeW:   wgpu.AddressMode_ClampToEdge,
		MagFilter:      wgpu.FilterMode_Linear,
		MinFilter:      wgpu.FilterMode_Linear,
		MipmapFilter:   wgpu.MipmapFilterMode_Nearest,
		MaxAnisotrophy: 1,
	})
	if err != nil {
		return fmt.Errorf("sampler creation failed: %w", err)
	}

	r.bindGroupLayout, err = r.device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label: "tile_bind_group_layout",
		Entries: []wgpu.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: wgpu.ShaderStage_Vertex,
				Buffer:     wgpu.BufferBindingLayout{Type: wgpu.BufferBindingType_Uniform},
			},
			{
				Binding:    1,
				Visibility: wgpu.ShaderStage_Fragment,
				Sampler:    wgpu.SamplerBindingLayout{Type: wgpu.SamplerBindingType_Filtering},
			},
			{
				Binding:    2,
				Visibility: wgpu.ShaderStage_Fragment,
				Texture: wgpu.TextureBindingLayout{
					SampleType:    wgpu.TextureSampleType_Float,
					ViewDimension: wgpu.TextureViewDimension_2D,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("bind group layout creation failed: %w", err)
	}

	pipelineLayout, err := r.device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            "tile_pipeline_layout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{r.bindGroupLayout},
	})
	if err != nil {
		return fmt.Errorf("pipeline layout creation failed: %w", err)
	}
	defer pipelineLayout.Release()

	r.pipeline, err = r.device.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label:  "tile_pipeline",
		Layout: pipelineLayout,
		Vertex: wgpu.VertexState{
			Module:     shader,
			EntryPoint: "vs_main",
			Buffers: []wgpu.VertexBufferLayout{{
				ArrayStride: uint64(unsafe.Sizeof(Vertex{})),
				StepMode:    wgpu.VertexStepMode_Vertex,
				Attributes: []wgpu.VertexAttribute{
					{Format: wgpu.VertexFormat_Float32x2, Offset: 0, ShaderLocation: 0},
					{Format: wgpu.VertexFormat_Float32x2, Offset: 8, ShaderLocation: 1},
				},
			}},
		},
		Fragment: &wgpu.FragmentState{
			Module:     shader,
			EntryPoint: "fs_main",
			Targets: []wgpu.ColorTargetState{{
				Format:    r.swapChainFormat,
				Blend:     &wgpu.BlendState_Replace,
				WriteMask: wgpu.ColorWriteMask_All,
			}},
		},
		Primitive: wgpu.PrimitiveState{
			Topology: wgpu.PrimitiveTopology_TriangleList,
		},
		Multisample: wgpu.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		return fmt.Errorf("pipeline creation failed: %w", err)
	}

	r.placeholder, err = r.createPlaceholder()
	if err != nil {
		return fmt.Errorf("placeholder creation failed: %w", err)
	}

	return nil
}

func (r *Renderer) createPlaceholder() (*TileTexture, error) {
	pix := make([]byte, TileSize*TileSize*4)
	for i := 0; i < len(pix); i += 4 {
		pix[i], pix[i+1], pix[i+2], pix[i+3] = 160, 195, 207, 255 // sea blue
	}
	return r.createTileTexture(&raster.Raster{Width: TileSize, Height: TileSize, Format: raster.RGBA8, Pix: pix})
}

func (r *Renderer) createTileTexture(ras *raster.Raster) (*TileTexture, error) {
	texture, err := r.device.CreateTexture(&wgpu.TextureDescriptor{
		Label: "tile_texture",
		Size: wgpu.Extent3D{
			Width:              uint32(ras.Width),
			Height:             uint32(ras.Height),
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension_2D,
		Format:        wgpu.TextureFormat_RGBA8UnormSrgb,
		Usage:         wgpu.TextureUsage_TextureBinding | wgpu.TextureUsage_CopyDst,
	})
	if err != nil {
		return nil, err
	}

	stride := ras.Width * 4
	r.queue.WriteTexture(
		&wgpu.ImageCopyTexture{Texture: texture, MipLevel: 0, Origin: wgpu.Origin3D{}, Aspect: wgpu.TextureAspect_All},
		ras.Pix,
		&wgpu.TextureDataLayout{Offset: 0, BytesPerRow: uint32(stride), RowsPerImage: uint32(ras.Height)},
		&wgpu.Extent3D{Width: uint32(ras.Width), Height: uint32(ras.Height), DepthOrArrayLayers: 1},
	)

	view, err := texture.CreateView(&wgpu.TextureViewDescriptor{
		Format:          wgpu.TextureFormat_RGBA8UnormSrgb,
		Dimension:       wgpu.TextureViewDimension_2D,
		BaseMipLevel:    0,
		MipLevelCount:   1,
		BaseArrayLayer:  0,
		ArrayLayerCount: 1,
		Aspect:          wgpu.TextureAspect_All,
	})
	if err != nil {
		texture.Release()
		return nil, err
	}

	return &TileTexture{Texture: texture, View: view}, nil
}

// UploadTile uploads an already-decoded raster to the GPU under key. A
// second upload of the same key is a no-op: the orchestrator may redeliver
// a cache-hit tile the renderer already has.
func (r *Renderer) UploadTile(key tilekey.Key, ras *raster.Raster) error {
	k := key.String()

	r.texturesMu.RLock()
	_, exists := r.textures[k]
	r.texturesMu.RUnlock()
	if exists {
		return nil
	}

	tex, err := r.createTileTexture(ras)
	if err != nil {
		return err
	}

	r.texturesMu.Lock()
	r.textures[k] = tex
	r.texturesMu.Unlock()

	return nil
}

// HasTile reports whether key's texture is already uploaded.
func (r *Renderer) HasTile(key tilekey.Key) bool {
	r.texturesMu.RLock()
	defer r.texturesMu.RUnlock()
	_, ok := r.textures[key.String()]
	return ok
}

// tileInfo matches the vertex shader's TileInfo uniform.
type tileInfo struct {
	OffsetX float32
	OffsetY float32
	ScaleX  float32
	ScaleY  float32
}

// Render draws the Required tier of providerID's current demand set,
// positioned by cam. It does not fetch or decode: any demanded tile
// without an uploaded texture falls back to the placeholder until the
// orchestrator delivers it.
func (r *Renderer) Render(cam *viewport.Camera, providerID string, tuning planner.Tuning) error {
	view, err := r.swapChain.GetCurrentTextureView()
	if err != nil {
		return err
	}
	defer view.Release()

	encoder, err := r.device.CreateCommandEncoder(&wgpu.CommandEncoderDescriptor{})
	if err != nil {
		return err
	}
	defer encoder.Release()

	pass := encoder.BeginRenderPass(&wgpu.RenderPassDescriptor{
		ColorAttachments: []wgpu.RenderPassColorAttachment{{
			View:       view,
			LoadOp:     wgpu.LoadOp_Clear,
			StoreOp:    wgpu.StoreOp_Store,
			ClearValue: wgpu.Color{R: 0.627, G: 0.765, B: 0.812, A: 1.0},
		}},
	})

	pass.SetPipeline(r.pipeline)

	vertices := []Vertex{
		{Position: [2]float32{0, 0}, TexCoord: [2]float32{0, 0}},
		{Position: [2]float32{1, 0}, TexCoord: [2]float32{1, 0}},
		{Position: [2]float32{1, 1}, TexCoord: [2]float32{1, 1}},
		{Position: [2]float32{0, 1}, TexCoord: [2]float32{0, 1}},
	}
	vertexBuffer, _ := r.device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    "vertex_buffer",
		Contents: wgpu.ToBytes(vertices),
		Usage:    wgpu.BufferUsage_Vertex,
	})
	defer vertexBuffer.Release()

	indices := []uint16{0, 1, 2, 0, 2, 3}
	indexBuffer, _ := r.device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    "index_buffer",
		Contents: wgpu.ToBytes(indices),
		Usage:    wgpu.BufferUsage_Index,
	})
	defer indexBuffer.Release()

	pass.SetVertexBuffer(0, vertexBuffer, 0, wgpu.WholeSize)
	pass.SetIndexBuffer(indexBuffer, wgpu.IndexFormat_Uint16, 0, wgpu.WholeSize)

	w := float32(r.width)
	h := float32(r.height)
	scaleX := float32(TileSize) / w * 2
	scaleY := float32(TileSize) / h * 2

	demand := planner.Plan(providerID, cam.Snapshot(), tuning)

	for _, d := range demand {
		if d.Priority != planner.Required {
			continue
		}

		screenX, screenY := cam.TileScreenPosition(d.Key.Z, d.Key.X, d.Key.Y)
		ndcX := (float32(screenX)/w)*2 - 1
		ndcY := 1 - (float32(screenY)/h)*2

		info := tileInfo{
			OffsetX: ndcX,
			OffsetY: ndcY - scaleY,
			ScaleX:  scaleX,
			ScaleY:  -scaleY,
		}

		r.texturesMu.RLock()
		tex, exists := r.textures[d.Key.String()]
		r.texturesMu.RUnlock()

		uniformBuffer, _ := r.device.CreateBufferInit(&wgpu.BufferInitDescriptor{
			Label:    "tile_uniform",
			Contents: wgpu.ToBytes([]tileInfo{info}),
			Usage:    wgpu.BufferUsage_Uniform,
		})

		textureView := r.placeholder.View
		if exists && tex != nil {
			textureView = tex.View
		}

		bindGroup, _ := r.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
			Label:  "tile_bind_group",
			Layout: r.bindGroupLayout,
			Entries: []wgpu.BindGroupEntry{
				{Binding: 0, Buffer: uniformBuffer, Size: uint64(unsafe.Sizeof(tileInfo{}))},
				{Binding: 1, Sampler: r.sampler},
				{Binding: 2, TextureView: textureView},
			},
		})

		pass.SetBindGroup(0, bindGroup, nil)
		pass.DrawIndexed(6, 1, 0, 0, 0)
	}

	pass.End()

	cmdBuffer, err := encoder.Finish(&wgpu.CommandBufferDescriptor{})
	if err != nil {
		return err
	}
	defer cmdBuffer.Release()

	r.queue.Submit(cmdBuffer)
	r.swapChain.Present()

	return nil
}

// Resize handles window resize.
func (r *Renderer) Resize(width, height uint32) {
	if width == 0 || height == 0 {
		return
	}
	r.width = width
	r.height = height

	if r.swapChain != nil {
		r.swapChain.Release()
	}

	var err error
	r.swapChain, err = r.device.CreateSwapChain(r.surface, &wgpu.SwapChainDescriptor{
		Usage:       wgpu.TextureUsage_RenderAttachment,
		Format:      r.swapChainFormat,
		Width:       width,
		Height:      height,
		PresentMode: wgpu.PresentMode_Fifo,
	})
	if err != nil {
		fmt.Printf("Failed to recreate swap chain: %v\n", err)
	}
}

// Release frees all GPU resources.
func (r *Renderer) Release() {
	r.texturesMu.Lock()
	for _, tex := range r.textures {
		tex.View.Release()
		tex.Texture.Release()
	}
	r.texturesMu.Unlock()

	if r.placeholder != nil {
		r.placeholder.View.Release()
		r.placeholder.Texture.Release()
	}

	r.bindGroupLayout.Release()
	r.pipeline.Release()
	r.sampler.Release()
	if r.swapChain != nil {
		r.swapChain.Release()
	}
}
