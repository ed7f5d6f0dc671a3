// Package app is the GLFW/WebGPU shell that drives a viewport.Camera from
// user input, publishes it to an orchestrator.Orchestrator, and renders
// whatever ReadyTile deliveries come back. It is a reference consumer of
// the pipeline, not part of its scheduling core.
//
// Adapted from the teacher's internal/app/app.go: the window bootstrap,
// WebGPU device setup, and input callbacks are unchanged, but the
// teacher's own tileRequests channel / tileLoader worker pool / tileCache
// is replaced entirely by orchestrator.Orchestrator.Subscribe /
// PublishViewport, since demand planning and single-flight fetching are
// now the orchestrator's job, not the GUI shell's.
package app

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/rajveermalviya/go-webgpu/wgpu"

	"ridemap/internal/orchestrator"
	"ridemap/internal/planner"
	"ridemap/internal/renderer"
	"ridemap/internal/viewport"
)

const (
	DefaultLat  = 52.3676 // Amsterdam
	DefaultLon  = 4.9041
	DefaultZoom = 12

	DefaultWidth  = 1280
	DefaultHeight = 720

	KeyPanSpeed = 10.0
)

type App struct {
	window   *glfw.Window
	instance *wgpu.Instance
	surface  *wgpu.Surface
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	renderer *renderer.Renderer
	camera   *viewport.Camera

	orc        *orchestrator.Orchestrator
	providerID string
	tuning     planner.Tuning

	keys   map[glfw.Key]bool
	keysMu sync.RWMutex

	stopChan chan struct{}

	width, height int
}

// New builds the GUI shell around an already-constructed Orchestrator.
// Callers (cmd/ridemap) own the orchestrator's lifecycle up to Shutdown,
// which App.Cleanup calls.
func New(orc *orchestrator.Orchestrator, providerID string, tuning planner.Tuning) (*App, error) {
	runtime.LockOSThread()

	if err := glfw.Init(); err != nil {
		return nil, fmt.Errorf("GLFW init failed: %w", err)
	}

	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI)
	glfw.WindowHint(glfw.Resizable, glfw.True)
	glfw.WindowHint(glfw.CocoaRetinaFramebuffer, glfw.True)

	window, err := glfw.CreateWindow(DefaultWidth, DefaultHeight, "Ridemap", nil, nil)
	if err != nil {
		glfw.Terminate()
		return nil, fmt.Errorf("window creation failed: %w", err)
	}

	app := &App{
		window:     window,
		width:      DefaultWidth,
		height:     DefaultHeight,
		keys:       make(map[glfw.Key]bool),
		stopChan:   make(chan struct{}),
		orc:        orc,
		providerID: providerID,
		tuning:     tuning,
	}

	if err := app.initWebGPU(); err != nil {
		window.Destroy()
		glfw.Terminate()
		return nil, err
	}

	app.camera = viewport.NewCamera(DefaultLat, DefaultLon, DefaultZoom, DefaultWidth, DefaultHeight)

	app.renderer, err = renderer.NewRenderer(app.adapter, app.device, app.queue, app.surface, uint32(DefaultWidth), uint32(DefaultHeight))
	if err != nil {
		return nil, fmt.Errorf("renderer creation failed: %w", err)
	}

	sink, err := orc.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("orchestrator subscribe failed: %w", err)
	}
	go app.receiveTiles(sink)

	app.setupCallbacks()
	app.publishViewport()

	return app, nil
}

func (app *App) initWebGPU() error {
	app.instance = wgpu.CreateInstance(&wgpu.InstanceDescriptor{
		Backends: wgpu.InstanceBackend_Metal,
	})
	if app.instance == nil {
		return fmt.Errorf("failed to create WebGPU instance")
	}

	app.surface = CreateSurface(app.instance, app.window)
	if app.surface == nil {
		return fmt.Errorf("surface creation failed")
	}

	var err error
	app.adapter, err = app.instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		CompatibleSurface:    app.surface,
		PowerPreference:      wgpu.PowerPreference_HighPerformance,
		ForceFallbackAdapter: false,
	})
	if err != nil {
		fmt.Println("Trying adapter without surface constraint...")
		app.adapter, err = app.instance.RequestAdapter(&wgpu.RequestAdapterOptions{
			PowerPreference: wgpu.PowerPreference_HighPerformance,
		})
		if err != nil {
			return fmt.Errorf("adapter request failed: %w", err)
		}
	}

	props := app.adapter.GetProperties()
	fmt.Printf("GPU: %s (%s)\n", props.Name, props.DriverDescription)

	app.device, err = app.adapter.RequestDevice(&wgpu.DeviceDescriptor{
		Label: "RidemapDevice",
	})
	if err != nil {
		return fmt.Errorf("device request failed: %w", err)
	}

	app.queue = app.device.GetQueue()
	return nil
}

func (app *App) setupCallbacks() {
	app.window.SetFramebufferSizeCallback(func(w *glfw.Window, width, height int) {
		app.width = width
		app.height = height
		app.camera.SetViewport(width, height)
		app.renderer.Resize(uint32(width), uint32(height))
		app.publishViewport()
	})

	app.window.SetMouseButtonCallback(func(w *glfw.Window, button glfw.MouseButton, action glfw.Action, mods glfw.ModifierKey) {
		if button == glfw.MouseButtonLeft {
			x, y := w.GetCursorPos()
			if action == glfw.Press {
				app.camera.StartDrag(x, y)
			} else {
				app.camera.EndDrag()
				app.publishViewport()
			}
		}
	})

	app.window.SetCursorPosCallback(func(w *glfw.Window, x, y float64) {
		if app.camera.IsDragging() {
			app.camera.Drag(x, y)
			app.publishViewport()
		}
	})

	app.window.SetScrollCallback(func(w *glfw.Window, xoff, yoff float64) {
		x, y := w.GetCursorPos()
		if yoff > 0 {
			app.camera.ZoomAtPoint(1, x, y)
		} else if yoff < 0 {
			app.camera.ZoomAtPoint(-1, x, y)
		}
		app.publishViewport()
	})

	app.window.SetKeyCallback(func(w *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
		app.keysMu.Lock()
		if action == glfw.Press {
			app.keys[key] = true
		} else if action == glfw.Release {
			app.keys[key] = false
		}
		app.keysMu.Unlock()

		if action == glfw.Press {
			switch key {
			case glfw.KeyEscape:
				w.SetShouldClose(true)
			case glfw.KeySpace:
				app.camera.ZoomOut()
				app.publishViewport()
			case glfw.KeyLeftShift, glfw.KeyRightShift:
				app.camera.ZoomIn()
				app.publishViewport()
			}
		}
	})
}

func (app *App) processInput() {
	app.keysMu.RLock()
	defer app.keysMu.RUnlock()

	panX, panY := 0.0, 0.0

	if app.keys[glfw.KeyW] || app.keys[glfw.KeyUp] {
		panY += KeyPanSpeed
	}
	if app.keys[glfw.KeyS] || app.keys[glfw.KeyDown] {
		panY -= KeyPanSpeed
	}
	if app.keys[glfw.KeyA] || app.keys[glfw.KeyLeft] {
		panX += KeyPanSpeed
	}
	if app.keys[glfw.KeyD] || app.keys[glfw.KeyRight] {
		panX -= KeyPanSpeed
	}

	if panX != 0 || panY != 0 {
		app.camera.Pan(panX, panY)
		app.publishViewport()
	}
}

// publishViewport hands the camera's current snapshot to the
// orchestrator; it is cheap and non-blocking (PublishViewport only ever
// retains the latest value), so it is safe to call on every input event.
func (app *App) publishViewport() {
	app.orc.PublishViewport(app.camera.Snapshot())
}

// receiveTiles drains the orchestrator's ReadyTile sink and uploads each
// raster to the GPU, until stopChan closes.
func (app *App) receiveTiles(sink <-chan orchestrator.ReadyTile) {
	for {
		select {
		case <-app.stopChan:
			return
		case rt := <-sink:
			if err := app.renderer.UploadTile(rt.Key, rt.Raster); err != nil {
				fmt.Printf("Upload error %s: %v\n", rt.Key.String(), err)
			}
		}
	}
}

func (app *App) Run() error {
	lastTime := time.Now()
	frames := 0

	for !app.window.ShouldClose() {
		glfw.PollEvents()
		app.processInput()

		if err := app.renderer.Render(app.camera, app.providerID, app.tuning); err != nil {
			fmt.Printf("Render error: %v\n", err)
		}

		frames++
		if time.Since(lastTime) >= time.Second {
			app.window.SetTitle(fmt.Sprintf("Ridemap | Zoom: %.1f | FPS: %d", app.camera.Zoom(), frames))
			frames = 0
			lastTime = time.Now()
		}
	}

	return nil
}

func (app *App) Cleanup() {
	close(app.stopChan)
	app.orc.Shutdown()
	if app.renderer != nil {
		app.renderer.Release()
	}
	if app.queue != nil {
		app.queue.Release()
	}
	if app.device != nil {
		app.device.Release()
	}
	if app.adapter != nil {
		app.adapter.Release()
	}
	if app.surface != nil {
		app.surface.Release()
	}
	if app.instance != nil {
		app.instance.Release()
	}
	if app.window != nil {
		app.window.Destroy()
	}
	glfw.Terminate()
}
