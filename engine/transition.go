package engine

import (
	"github.com/vkngwrapper/core/v2/core1_0"
)

// transitionImage records a layout transition covering every mip level
// and array layer of image into commandBuffer. Nothing executes at
// record time; the barrier takes effect when the buffer runs on the
// queue.
//
// The barrier is deliberately coarse: it orders all prior commands
// against all subsequent ones, which is trivially correct but stalls the
// pipeline. Call sites with real rendering work would want narrower
// stage and access masks.
func transitionImage(commandBuffer core1_0.CommandBuffer, image core1_0.Image, oldLayout, newLayout core1_0.ImageLayout) {
	aspectMask := core1_0.ImageAspectColor
	if newLayout == core1_0.ImageLayoutDepthStencilAttachmentOptimal {
		aspectMask = core1_0.ImageAspectDepth
	}

	commandBuffer.CmdPipelineBarrier(
		core1_0.PipelineStageAllCommands, core1_0.PipelineStageAllCommands,
		0, nil, nil,
		[]core1_0.ImageMemoryBarrier{
			{
				SrcAccessMask: core1_0.AccessMemoryWrite,
				DstAccessMask: core1_0.AccessMemoryWrite | core1_0.AccessMemoryRead,

				OldLayout: oldLayout,
				NewLayout: newLayout,

				SrcQueueFamilyIndex: -1,
				DstQueueFamilyIndex: -1,

				Image: image,
				SubresourceRange: core1_0.ImageSubresourceRange{
					AspectMask:   aspectMask,
					BaseMipLevel: 0,
					// -1 converts to VK_REMAINING_MIP_LEVELS /
					// VK_REMAINING_ARRAY_LAYERS on the C side.
					LevelCount:     -1,
					BaseArrayLayer: 0,
					LayerCount:     -1,
				},
			},
		})
}
