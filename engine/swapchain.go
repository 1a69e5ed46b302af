package engine

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_surface"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
)

type swapchainSupportDetails struct {
	Capabilities *khr_surface.SurfaceCapabilities
	Formats      []khr_surface.SurfaceFormat
	PresentModes []khr_surface.PresentMode
}

func (e *Engine) querySwapchainSupport(device core1_0.PhysicalDevice) (swapchainSupportDetails, error) {
	var details swapchainSupportDetails
	var err error

	details.Capabilities, _, err = e.surface.PhysicalDeviceSurfaceCapabilities(device)
	if err != nil {
		return details, errors.Wrap(err, "query surface capabilities")
	}

	details.Formats, _, err = e.surface.PhysicalDeviceSurfaceFormats(device)
	if err != nil {
		return details, errors.Wrap(err, "query surface formats")
	}

	details.PresentModes, _, err = e.surface.PhysicalDeviceSurfacePresentModes(device)
	if err != nil {
		return details, errors.Wrap(err, "query surface present modes")
	}

	return details, nil
}

func (e *Engine) chooseSwapSurfaceFormat(availableFormats []khr_surface.SurfaceFormat) khr_surface.SurfaceFormat {
	for _, format := range availableFormats {
		if format.Format == core1_0.FormatB8G8R8A8UnsignedNormalized && format.ColorSpace == khr_surface.ColorSpaceSRGBNonlinear {
			return format
		}
	}

	return availableFormats[0]
}

func (e *Engine) chooseSwapExtent(capabilities *khr_surface.SurfaceCapabilities) core1_0.Extent2D {
	if capabilities.CurrentExtent.Width != -1 {
		return capabilities.CurrentExtent
	}

	widthInt, heightInt := e.window.VulkanGetDrawableSize()
	width := int(widthInt)
	height := int(heightInt)

	if width < capabilities.MinImageExtent.Width {
		width = capabilities.MinImageExtent.Width
	}
	if width > capabilities.MaxImageExtent.Width {
		width = capabilities.MaxImageExtent.Width
	}
	if height < capabilities.MinImageExtent.Height {
		height = capabilities.MinImageExtent.Height
	}
	if height > capabilities.MaxImageExtent.Height {
		height = capabilities.MaxImageExtent.Height
	}

	return core1_0.Extent2D{Width: width, Height: height}
}

func (e *Engine) createSwapchain() error {
	e.swapchainExtension = khr_swapchain.CreateExtensionFromDevice(e.device)

	support, err := e.querySwapchainSupport(e.physicalDevice)
	if err != nil {
		return err
	}

	surfaceFormat := e.chooseSwapSurfaceFormat(support.Formats)
	extent := e.chooseSwapExtent(support.Capabilities)

	imageCount := support.Capabilities.MinImageCount + 1
	if support.Capabilities.MaxImageCount > 0 && support.Capabilities.MaxImageCount < imageCount {
		imageCount = support.Capabilities.MaxImageCount
	}

	sharingMode := core1_0.SharingModeExclusive
	var queueFamilyIndexList []int

	indices, err := e.findQueueFamilies(e.physicalDevice)
	if err != nil {
		return err
	}

	if *indices.Graphics != *indices.Present {
		sharingMode = core1_0.SharingModeConcurrent
		queueFamilyIndexList = append(queueFamilyIndexList, *indices.Graphics, *indices.Present)
	}

	swapchain, _, err := e.swapchainExtension.CreateSwapchain(e.device, nil, khr_swapchain.SwapchainCreateInfo{
		Surface: e.surface,

		MinImageCount:    imageCount,
		ImageFormat:      surfaceFormat.Format,
		ImageColorSpace:  surfaceFormat.ColorSpace,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		// TransferDst because the frame commands clear the image directly.
		ImageUsage: core1_0.ImageUsageColorAttachment | core1_0.ImageUsageTransferDst,

		ImageSharingMode:   sharingMode,
		QueueFamilyIndices: queueFamilyIndexList,

		PreTransform:   support.Capabilities.CurrentTransform,
		CompositeAlpha: khr_surface.CompositeAlphaOpaque,
		// FIFO is the only mode guaranteed everywhere, and it vsyncs.
		PresentMode: khr_surface.PresentModeFIFO,
		Clipped:     true,
	})
	if err != nil {
		return errors.Wrap(err, "create swapchain")
	}

	e.swapchain = swapchain
	e.swapchainFormat = surfaceFormat.Format
	e.swapchainExtent = extent

	return nil
}

func (e *Engine) createImageViews() error {
	images, _, err := e.swapchain.SwapchainImages()
	if err != nil {
		return errors.Wrap(err, "get swapchain images")
	}
	e.swapchainImages = images

	var imageViews []core1_0.ImageView
	for _, image := range images {
		view, _, err := e.device.CreateImageView(nil, core1_0.ImageViewCreateInfo{
			Image:    image,
			ViewType: core1_0.ImageViewType2D,
			Format:   e.swapchainFormat,
			SubresourceRange: core1_0.ImageSubresourceRange{
				AspectMask:     core1_0.ImageAspectColor,
				BaseMipLevel:   0,
				LevelCount:     1,
				BaseArrayLayer: 0,
				LayerCount:     1,
			},
		})
		if err != nil {
			return errors.Wrap(err, "create swapchain image view")
		}

		imageViews = append(imageViews, view)
	}
	e.swapchainImageViews = imageViews

	return nil
}

func (e *Engine) destroySwapchain() {
	for _, imageView := range e.swapchainImageViews {
		imageView.Destroy(nil)
	}
	e.swapchainImageViews = nil
	e.swapchainImages = nil

	if e.swapchain != nil {
		e.swapchain.Destroy(nil)
		e.swapchain = nil
	}
}

// imageRegistry holds the render-complete semaphore for every swapchain
// image. These live at swapchain image granularity, not frames-in-flight
// granularity: the presentation engine may hand back image indices in an
// order that does not follow frame order, and the present for image k
// must wait on the semaphore the submit for image k signaled.
type imageRegistry struct {
	entries []core1_0.Semaphore
}

// newImageRegistry creates one render-complete semaphore per swapchain
// image. Called whenever the swapchain is (re)created.
func newImageRegistry(device core1_0.Device, imageCount int) (*imageRegistry, error) {
	registry := &imageRegistry{}

	for i := 0; i < imageCount; i++ {
		semaphore, _, err := device.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
		if err != nil {
			registry.destroy()
			return nil, errors.Wrapf(err, "create render semaphore for swapchain image %d", i)
		}
		registry.entries = append(registry.entries, semaphore)
	}

	return registry, nil
}

// at returns the render-complete semaphore for an acquired image index.
// The modulo keeps an out-of-range index from crashing; acquire only
// ever returns in-range indices.
func (r *imageRegistry) at(imageIndex int) core1_0.Semaphore {
	return r.entries[imageIndex%len(r.entries)]
}

func (r *imageRegistry) destroy() {
	for _, semaphore := range r.entries {
		semaphore.Destroy(nil)
	}
	r.entries = nil
}
