package engine

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/sync/errgroup"
)

// frameSlot bundles the recording and synchronization resources for one
// in-flight frame. Slots are reused round-robin by frame number; a slot
// is never reused until its renderFence has signaled.
type frameSlot struct {
	commandPool   core1_0.CommandPool
	commandBuffer core1_0.CommandBuffer

	// acquireSemaphore is signaled by the presentation engine when this
	// slot's target image is ready to be written.
	acquireSemaphore core1_0.Semaphore

	// renderFence is signaled by the queue when this slot's submission
	// finishes. It starts signaled so the first wait does not block.
	renderFence core1_0.Fence
}

// framePool is a fixed-size ring of frame slots, allocated once at
// startup and never resized.
type framePool struct {
	slots []*frameSlot
}

func newFramePool(device core1_0.Device, n int, queueFamilyIndex int) (*framePool, error) {
	pool := &framePool{slots: make([]*frameSlot, n)}

	// Slots are independent of each other and object creation against one
	// device needs no external synchronization, so build them concurrently.
	var group errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		group.Go(func() error {
			slot, err := newFrameSlot(device, queueFamilyIndex)
			if err != nil {
				return errors.Wrapf(err, "create frame slot %d", i)
			}
			pool.slots[i] = slot
			return nil
		})
	}

	err := group.Wait()
	if err != nil {
		pool.destroy()
		return nil, err
	}
	return pool, nil
}

func newFrameSlot(device core1_0.Device, queueFamilyIndex int) (*frameSlot, error) {
	slot := &frameSlot{}

	commandPool, _, err := device.CreateCommandPool(nil, core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateResetBuffer,
		QueueFamilyIndex: queueFamilyIndex,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create command pool")
	}
	slot.commandPool = commandPool

	buffers, _, err := device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        commandPool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err != nil {
		slot.destroy()
		return nil, errors.Wrap(err, "allocate command buffer")
	}
	slot.commandBuffer = buffers[0]

	semaphore, _, err := device.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
	if err != nil {
		slot.destroy()
		return nil, errors.Wrap(err, "create acquire semaphore")
	}
	slot.acquireSemaphore = semaphore

	fence, _, err := device.CreateFence(nil, core1_0.FenceCreateInfo{
		Flags: core1_0.FenceCreateSignaled,
	})
	if err != nil {
		slot.destroy()
		return nil, errors.Wrap(err, "create render fence")
	}
	slot.renderFence = fence

	return slot, nil
}

func (s *frameSlot) destroy() {
	if s.renderFence != nil {
		s.renderFence.Destroy(nil)
		s.renderFence = nil
	}
	if s.acquireSemaphore != nil {
		s.acquireSemaphore.Destroy(nil)
		s.acquireSemaphore = nil
	}
	if s.commandPool != nil {
		// Destroying the pool frees its command buffer with it.
		s.commandPool.Destroy(nil)
		s.commandPool = nil
		s.commandBuffer = nil
	}
}

// slot returns the resources for a frame number. Indexing is modulo the
// pool size, so frame i+n reuses frame i's slot.
func (p *framePool) slot(frameNumber int) *frameSlot {
	return p.slots[frameNumber%len(p.slots)]
}

func (p *framePool) size() int {
	return len(p.slots)
}

func (p *framePool) destroy() {
	for _, slot := range p.slots {
		if slot != nil {
			slot.destroy()
		}
	}
	p.slots = nil
}
