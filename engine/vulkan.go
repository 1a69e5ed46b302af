package engine

import (
	"log"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/ext_debug_utils"
	"github.com/vkngwrapper/extensions/v2/khr_portability_enumeration"
	"github.com/vkngwrapper/extensions/v2/khr_portability_subset"
	"github.com/vkngwrapper/extensions/v2/khr_surface"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
	vkng_sdl2 "github.com/vkngwrapper/integrations/sdl2/v2"
)

var validationLayers = []string{"VK_LAYER_KHRONOS_validation"}
var deviceExtensions = []string{khr_swapchain.ExtensionName}

type queueFamilyIndices struct {
	Graphics *int
	Present  *int
}

func (i *queueFamilyIndices) isComplete() bool {
	return i.Graphics != nil && i.Present != nil
}

func (e *Engine) createInstance() error {
	instanceOptions := core1_0.InstanceCreateInfo{
		ApplicationName:    e.config.Title,
		ApplicationVersion: common.CreateVersion(0, 1, 0),
		EngineName:         "minerva",
		EngineVersion:      common.CreateVersion(0, 1, 0),
		APIVersion:         common.Vulkan1_2,
	}

	// Add extensions
	sdlExtensions := e.window.VulkanGetInstanceExtensions()
	extensions, _, err := e.loader.AvailableExtensions()
	if err != nil {
		return errors.Wrap(err, "enumerate instance extensions")
	}

	for _, ext := range sdlExtensions {
		_, hasExt := extensions[ext]
		if !hasExt {
			return errors.Newf("createInstance: required SDL extension %s is not available", ext)
		}
		instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, ext)
	}

	if e.config.EnableValidation {
		instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, ext_debug_utils.ExtensionName)
	}

	_, enumerationSupported := extensions[khr_portability_enumeration.ExtensionName]
	if enumerationSupported {
		instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, khr_portability_enumeration.ExtensionName)
		instanceOptions.Flags |= khr_portability_enumeration.InstanceCreateEnumeratePortability
	}

	// Add layers
	if e.config.EnableValidation {
		layers, _, err := e.loader.AvailableLayers()
		if err != nil {
			return errors.Wrap(err, "enumerate instance layers")
		}

		for _, layer := range validationLayers {
			_, hasValidation := layers[layer]
			if !hasValidation {
				return errors.Newf("createInstance: validation layer %s not available - install the LunarG Vulkan SDK", layer)
			}
			instanceOptions.EnabledLayerNames = append(instanceOptions.EnabledLayerNames, layer)
		}

		// Report messages produced during instance creation itself.
		instanceOptions.Next = e.debugMessengerOptions()
	}

	e.instance, _, err = e.loader.CreateInstance(nil, instanceOptions)
	if err != nil {
		return errors.Wrap(err, "create instance")
	}

	return nil
}

func (e *Engine) debugMessengerOptions() ext_debug_utils.DebugUtilsMessengerCreateInfo {
	return ext_debug_utils.DebugUtilsMessengerCreateInfo{
		MessageSeverity: ext_debug_utils.SeverityError | ext_debug_utils.SeverityWarning,
		MessageType:     ext_debug_utils.TypeGeneral | ext_debug_utils.TypeValidation | ext_debug_utils.TypePerformance,
		UserCallback:    e.logDebug,
	}
}

func (e *Engine) setupDebugMessenger() error {
	if !e.config.EnableValidation {
		return nil
	}

	var err error
	e.debugExtension = ext_debug_utils.CreateExtensionFromInstance(e.instance)
	e.debugMessenger, _, err = e.debugExtension.CreateDebugUtilsMessenger(e.instance, nil, e.debugMessengerOptions())
	if err != nil {
		return errors.Wrap(err, "create debug messenger")
	}

	return nil
}

func (e *Engine) logDebug(msgType ext_debug_utils.DebugUtilsMessageTypeFlags, severity ext_debug_utils.DebugUtilsMessageSeverityFlags, data *ext_debug_utils.DebugUtilsMessengerCallbackData) bool {
	log.Printf("[%s %s] - %s", severity, msgType, data.Message)
	return false
}

func (e *Engine) createSurface() error {
	e.surfaceExtension = khr_surface.CreateExtensionFromInstance(e.instance)

	surface, err := vkng_sdl2.CreateSurface(e.instance, e.surfaceExtension, e.window)
	if err != nil {
		return errors.Wrap(err, "create window surface")
	}

	e.surface = surface
	return nil
}

func (e *Engine) pickPhysicalDevice() error {
	physicalDevices, _, err := e.instance.EnumeratePhysicalDevices()
	if err != nil {
		return errors.Wrap(err, "enumerate physical devices")
	}

	for _, device := range physicalDevices {
		if e.isDeviceSuitable(device) {
			e.physicalDevice = device
			break
		}
	}

	if e.physicalDevice == nil {
		return errors.New("failed to find a suitable GPU")
	}

	properties, err := e.physicalDevice.Properties()
	if err != nil {
		return errors.Wrap(err, "query device properties")
	}
	if properties.PipelineCacheUUID != uuid.Nil {
		log.Printf("using device %s (pipeline cache %s)", properties.DriverName, properties.PipelineCacheUUID)
	}

	return nil
}

func (e *Engine) isDeviceSuitable(device core1_0.PhysicalDevice) bool {
	indices, err := e.findQueueFamilies(device)
	if err != nil {
		return false
	}

	extensionsSupported := e.checkDeviceExtensionSupport(device)

	var swapchainAdequate bool
	if extensionsSupported {
		support, err := e.querySwapchainSupport(device)
		if err != nil {
			return false
		}

		swapchainAdequate = len(support.Formats) > 0 && len(support.PresentModes) > 0
	}

	return indices.isComplete() && extensionsSupported && swapchainAdequate
}

func (e *Engine) checkDeviceExtensionSupport(device core1_0.PhysicalDevice) bool {
	extensions, _, err := device.EnumerateDeviceExtensionProperties()
	if err != nil {
		return false
	}

	for _, extension := range deviceExtensions {
		_, hasExtension := extensions[extension]
		if !hasExtension {
			return false
		}
	}

	return true
}

func (e *Engine) findQueueFamilies(device core1_0.PhysicalDevice) (queueFamilyIndices, error) {
	indices := queueFamilyIndices{}
	queueFamilies := device.QueueFamilyProperties()

	for queueFamilyIdx, queueFamily := range queueFamilies {
		if (queueFamily.QueueFlags & core1_0.QueueGraphics) != 0 {
			indices.Graphics = new(int)
			*indices.Graphics = queueFamilyIdx
		}

		supported, _, err := e.surface.PhysicalDeviceSurfaceSupport(device, queueFamilyIdx)
		if err != nil {
			return indices, errors.Wrap(err, "query surface support")
		}

		if supported {
			indices.Present = new(int)
			*indices.Present = queueFamilyIdx
		}

		if indices.isComplete() {
			break
		}
	}

	return indices, nil
}

func (e *Engine) createLogicalDevice() error {
	indices, err := e.findQueueFamilies(e.physicalDevice)
	if err != nil {
		return err
	}

	uniqueQueueFamilies := []int{*indices.Graphics}
	if uniqueQueueFamilies[0] != *indices.Present {
		uniqueQueueFamilies = append(uniqueQueueFamilies, *indices.Present)
	}

	var queueFamilyOptions []core1_0.DeviceQueueCreateInfo
	for _, queueFamily := range uniqueQueueFamilies {
		queueFamilyOptions = append(queueFamilyOptions, core1_0.DeviceQueueCreateInfo{
			QueueFamilyIndex: queueFamily,
			QueuePriorities:  []float32{1.0},
		})
	}

	var extensionNames []string
	extensionNames = append(extensionNames, deviceExtensions...)

	// Keeps the engine working under vulkan portability (MoltenVK etc.)
	extensions, _, err := e.physicalDevice.EnumerateDeviceExtensionProperties()
	if err != nil {
		return errors.Wrap(err, "enumerate device extensions")
	}

	_, supported := extensions[khr_portability_subset.ExtensionName]
	if supported {
		extensionNames = append(extensionNames, khr_portability_subset.ExtensionName)
	}

	e.device, _, err = e.physicalDevice.CreateDevice(nil, core1_0.DeviceCreateInfo{
		QueueCreateInfos:      queueFamilyOptions,
		EnabledExtensionNames: extensionNames,
	})
	if err != nil {
		return errors.Wrap(err, "create logical device")
	}

	e.graphicsQueue = e.device.GetQueue(*indices.Graphics, 0)
	e.presentQueue = e.device.GetQueue(*indices.Present, 0)
	e.graphicsQueueFamilyIndex = *indices.Graphics
	return nil
}
