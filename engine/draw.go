package engine

import (
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
)

// ErrSwapchainStale reports that the presentation layer considers the
// swapchain out of date or suboptimal, usually after a resize. The run
// loop treats it as fatal because swapchain recreation is not
// implemented, but callers driving frames themselves can detect it.
var ErrSwapchainStale = errors.New("swapchain is out of date or suboptimal")

const acquireTimeout = time.Second

// drawFrame runs one iteration of the acquire/record/submit/present
// protocol against the current frame slot.
func (e *Engine) drawFrame() error {
	slot := e.frames.slot(e.frameNumber)

	// Block until the GPU has finished this slot's previous submission,
	// then re-arm the fence for the submit below. The timeout is generous;
	// expiring it means a hung queue or a broken wait/signal chain, not
	// something a retry can fix.
	res, err := slot.renderFence.Wait(e.config.FenceTimeout)
	if err != nil {
		return errors.Wrap(err, "wait for render fence")
	}
	if res == core1_0.VKTimeout {
		return errors.Newf("frame %d: render fence not signaled after %s", e.frameNumber, e.config.FenceTimeout)
	}

	_, err = slot.renderFence.Reset()
	if err != nil {
		return errors.Wrap(err, "reset render fence")
	}

	imageIndex, res, err := e.swapchain.AcquireNextImage(acquireTimeout, slot.acquireSemaphore, nil)
	if res == khr_swapchain.VKErrorOutOfDate || res == khr_swapchain.VKSuboptimal {
		return ErrSwapchainStale
	}
	if err != nil {
		return errors.Wrap(err, "acquire swapchain image")
	}
	// Timeout and not-ready come back as non-error results with no image
	// acquired and no semaphore signal pending. Submitting anyway would
	// hang the slot's next fence wait, so fail here instead.
	if res == core1_0.VKTimeout || res == core1_0.VKNotReady {
		return errors.Newf("frame %d: no swapchain image acquired after %s", e.frameNumber, acquireTimeout)
	}

	err = e.recordFrameCommands(slot, imageIndex)
	if err != nil {
		return err
	}

	// The queue must not start color output until the image is acquired,
	// and the render-complete semaphore belongs to the acquired image,
	// not to the frame slot.
	renderComplete := e.imageSync.at(imageIndex)

	_, err = e.graphicsQueue.Submit(slot.renderFence, []core1_0.SubmitInfo{
		{
			WaitSemaphores:   []core1_0.Semaphore{slot.acquireSemaphore},
			WaitDstStageMask: []core1_0.PipelineStageFlags{core1_0.PipelineStageColorAttachmentOutput},
			CommandBuffers:   []core1_0.CommandBuffer{slot.commandBuffer},
			SignalSemaphores: []core1_0.Semaphore{renderComplete},
		},
	})
	if err != nil {
		return errors.Wrap(err, "submit frame commands")
	}

	res, err = e.swapchainExtension.QueuePresent(e.presentQueue, khr_swapchain.PresentInfo{
		WaitSemaphores: []core1_0.Semaphore{renderComplete},
		Swapchains:     []khr_swapchain.Swapchain{e.swapchain},
		ImageIndices:   []int{imageIndex},
	})
	if res == khr_swapchain.VKErrorOutOfDate || res == khr_swapchain.VKSuboptimal {
		return ErrSwapchainStale
	}
	if err != nil {
		return errors.Wrap(err, "present swapchain image")
	}

	e.frameNumber++
	return nil
}

// recordFrameCommands re-records the slot's command buffer for one
// frame: make the acquired image writable, clear it, make it
// presentable. Any real draw workload slots in between the two
// transitions without changing the surrounding protocol.
func (e *Engine) recordFrameCommands(slot *frameSlot, imageIndex int) error {
	_, err := slot.commandBuffer.Reset(0)
	if err != nil {
		return errors.Wrap(err, "reset command buffer")
	}

	_, err = slot.commandBuffer.Begin(core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	})
	if err != nil {
		return errors.Wrap(err, "begin command buffer")
	}

	image := e.swapchainImages[imageIndex]

	transitionImage(slot.commandBuffer, image, core1_0.ImageLayoutUndefined, core1_0.ImageLayoutGeneral)

	slot.commandBuffer.CmdClearColorImage(image, core1_0.ImageLayoutGeneral, e.clearColor(),
		[]core1_0.ImageSubresourceRange{
			{
				AspectMask:     core1_0.ImageAspectColor,
				BaseMipLevel:   0,
				LevelCount:     1,
				BaseArrayLayer: 0,
				LayerCount:     1,
			},
		})

	transitionImage(slot.commandBuffer, image, core1_0.ImageLayoutGeneral, khr_swapchain.ImageLayoutPresentSrc)

	_, err = slot.commandBuffer.End()
	if err != nil {
		return errors.Wrap(err, "end command buffer")
	}

	return nil
}

// clearColor pulses the blue channel with the frame number, cycling
// roughly every six seconds at 60fps.
func (e *Engine) clearColor() core1_0.ClearValueFloat {
	flash := math.Abs(math.Sin(float64(e.frameNumber) / 120.0))
	return core1_0.ClearValueFloat{0, 0, float32(flash), 0}
}
