package engine

import (
	"log"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/loov/hrtime"
	"github.com/veandco/go-sdl2/sdl"
	core "github.com/vkngwrapper/core/v2"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/ext_debug_utils"
	"github.com/vkngwrapper/extensions/v2/khr_surface"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
)

const (
	// pauseThrottle is how long the run loop sleeps per tick while the
	// window is minimized, so a hidden window does not busy-spin.
	pauseThrottle = 100 * time.Millisecond

	frameLogInterval = 300
)

// Config controls engine startup. Zero-value fields are replaced with
// defaults by New.
type Config struct {
	Title         string
	Width, Height int

	// FramesInFlight is the number of frames the CPU may record ahead of
	// the GPU. Each gets its own command pool, command buffer, fence, and
	// acquire semaphore.
	FramesInFlight int

	// FenceTimeout bounds the per-frame wait on a slot's render fence.
	// Expiry is fatal: it means a hung queue or a broken signal chain.
	FenceTimeout time.Duration

	EnableValidation bool
}

// DefaultConfig returns the configuration used by cmd/minerva.
func DefaultConfig() Config {
	return Config{
		Title:            "Minerva",
		Width:            1700,
		Height:           900,
		FramesInFlight:   2,
		FenceTimeout:     time.Second,
		EnableValidation: true,
	}
}

// Engine owns a window, a Vulkan device, a swapchain, and the per-frame
// resources needed to clear and present swapchain images in a loop.
//
// All methods must be called from the same OS thread (use
// runtime.LockOSThread in main); the frame protocol is single-threaded
// by design and does no internal locking.
type Engine struct {
	config Config

	window *sdl.Window
	loader *core.VulkanLoader

	instance       core1_0.Instance
	debugExtension ext_debug_utils.Extension
	debugMessenger ext_debug_utils.DebugUtilsMessenger

	surfaceExtension khr_surface.Extension
	surface          khr_surface.Surface

	physicalDevice core1_0.PhysicalDevice
	device         core1_0.Device

	graphicsQueue            core1_0.Queue
	presentQueue             core1_0.Queue
	graphicsQueueFamilyIndex int

	swapchainExtension  khr_swapchain.Extension
	swapchain           khr_swapchain.Swapchain
	swapchainImages     []core1_0.Image
	swapchainImageViews []core1_0.ImageView
	swapchainFormat     core1_0.Format
	swapchainExtent     core1_0.Extent2D

	frames    *framePool
	imageSync *imageRegistry

	frameNumber int
	frameTime   time.Duration
	paused      bool
	quit        bool
	initialized bool
}

// New builds an engine from config without touching SDL or Vulkan.
// Call Initialize before Run.
func New(config Config) *Engine {
	if config.Title == "" {
		config.Title = "Minerva"
	}
	if config.Width <= 0 {
		config.Width = 1700
	}
	if config.Height <= 0 {
		config.Height = 900
	}
	if config.FramesInFlight <= 0 {
		config.FramesInFlight = 2
	}
	if config.FenceTimeout <= 0 {
		config.FenceTimeout = time.Second
	}

	return &Engine{config: config}
}

// Initialize creates the window and every GPU resource the frame loop
// needs. Any failure is fatal to startup: the error is returned and the
// caller is expected to call Shutdown to release whatever was created.
func (e *Engine) Initialize() error {
	err := e.initWindow()
	if err != nil {
		return err
	}

	err = e.initVulkan()
	if err != nil {
		return err
	}

	e.initialized = true
	return nil
}

func (e *Engine) initWindow() error {
	err := sdl.Init(sdl.INIT_VIDEO)
	if err != nil {
		return errors.Wrap(err, "initialize SDL")
	}

	window, err := sdl.CreateWindow(e.config.Title,
		sdl.WINDOWPOS_UNDEFINED, sdl.WINDOWPOS_UNDEFINED,
		int32(e.config.Width), int32(e.config.Height),
		sdl.WINDOW_SHOWN|sdl.WINDOW_VULKAN)
	if err != nil {
		return errors.Wrap(err, "create window")
	}
	e.window = window

	e.loader, err = core.CreateLoaderFromProcAddr(sdl.VulkanGetVkGetInstanceProcAddr())
	if err != nil {
		return errors.Wrap(err, "create vulkan loader")
	}

	return nil
}

func (e *Engine) initVulkan() error {
	err := e.createInstance()
	if err != nil {
		return err
	}

	err = e.setupDebugMessenger()
	if err != nil {
		return err
	}

	err = e.createSurface()
	if err != nil {
		return err
	}

	err = e.pickPhysicalDevice()
	if err != nil {
		return err
	}

	err = e.createLogicalDevice()
	if err != nil {
		return err
	}

	err = e.createSwapchain()
	if err != nil {
		return err
	}

	err = e.createImageViews()
	if err != nil {
		return err
	}

	e.frames, err = newFramePool(e.device, e.config.FramesInFlight, e.graphicsQueueFamilyIndex)
	if err != nil {
		return err
	}

	e.imageSync, err = newImageRegistry(e.device, len(e.swapchainImages))
	return err
}

// Run drives the event and frame loop until a quit is requested or a
// frame fails. On a clean quit it waits for the device to go idle before
// returning, so Shutdown can destroy resources immediately afterward.
func (e *Engine) Run() error {
	if !e.initialized {
		return errors.New("Run called before Initialize")
	}

	for !e.quit {
		for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
			e.handleEvent(event)
		}

		err := e.step()
		if err != nil {
			return err
		}
	}

	_, err := e.device.WaitIdle()
	return errors.Wrap(err, "wait for device idle")
}

func (e *Engine) handleEvent(event sdl.Event) {
	switch ev := event.(type) {
	case *sdl.QuitEvent:
		e.quit = true
	case *sdl.WindowEvent:
		switch ev.Event {
		case sdl.WINDOWEVENT_MINIMIZED:
			e.paused = true
		case sdl.WINDOWEVENT_RESTORED:
			e.paused = false
		}
	}
}

// step runs one loop tick: a full frame when the window is visible, a
// short sleep when it is minimized. While paused no GPU resource is
// touched and the frame counter does not advance, so resuming simply
// continues with the next expected frame.
func (e *Engine) step() error {
	if e.quit {
		return nil
	}

	if e.paused {
		time.Sleep(pauseThrottle)
		return nil
	}

	start := hrtime.Now()
	err := e.drawFrame()
	if err != nil {
		return err
	}
	e.frameTime = hrtime.Since(start)

	if e.frameNumber%frameLogInterval == 0 {
		log.Printf("frame %d: %s", e.frameNumber, e.frameTime)
	}
	return nil
}

// Shutdown releases everything Initialize created, in reverse order,
// after waiting for all in-flight GPU work. It is safe to call after a
// failed Initialize and is idempotent after a clean shutdown.
func (e *Engine) Shutdown() {
	if e.device != nil {
		_, _ = e.device.WaitIdle()
	}

	if e.imageSync != nil {
		e.imageSync.destroy()
		e.imageSync = nil
	}
	if e.frames != nil {
		e.frames.destroy()
		e.frames = nil
	}

	e.destroySwapchain()

	if e.device != nil {
		e.device.Destroy(nil)
		e.device = nil
	}
	if e.debugMessenger != nil {
		e.debugMessenger.Destroy(nil)
		e.debugMessenger = nil
	}
	if e.surface != nil {
		e.surface.Destroy(nil)
		e.surface = nil
	}
	if e.instance != nil {
		e.instance.Destroy(nil)
		e.instance = nil
	}
	if e.window != nil {
		e.window.Destroy()
		e.window = nil
		sdl.Quit()
	}

	e.initialized = false
}
