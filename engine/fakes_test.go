package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
)

// callLog records fake method invocations in order. It is shared by all
// fakes in a harness so tests can assert cross-object ordering.
type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *callLog) record(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *callLog) calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func (l *callLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

type fakeFence struct {
	core1_0.Fence

	name string
	log  *callLog

	waitRes common.VkResult
	waitErr error

	waits     int
	resets    int
	destroyed int
}

func (f *fakeFence) Wait(timeout time.Duration) (common.VkResult, error) {
	f.waits++
	f.log.record("wait " + f.name)
	return f.waitRes, f.waitErr
}

func (f *fakeFence) Reset() (common.VkResult, error) {
	f.resets++
	f.log.record("reset " + f.name)
	return core1_0.VKSuccess, nil
}

func (f *fakeFence) Destroy(callbacks *driver.AllocationCallbacks) {
	f.destroyed++
	f.log.record("destroy " + f.name)
}

type fakeSemaphore struct {
	core1_0.Semaphore

	name string
	log  *callLog

	destroyed int
}

func (s *fakeSemaphore) Destroy(callbacks *driver.AllocationCallbacks) {
	s.destroyed++
	s.log.record("destroy " + s.name)
}

type fakeCommandPool struct {
	core1_0.CommandPool

	name string
	log  *callLog

	destroyed int
}

func (p *fakeCommandPool) Destroy(callbacks *driver.AllocationCallbacks) {
	p.destroyed++
	p.log.record("destroy " + p.name)
}

type barrierCall struct {
	srcStage core1_0.PipelineStageFlags
	dstStage core1_0.PipelineStageFlags
	flags    core1_0.DependencyFlags
	barriers []core1_0.ImageMemoryBarrier
}

type clearCall struct {
	image  core1_0.Image
	layout core1_0.ImageLayout
	color  core1_0.ClearColorValue
	ranges []core1_0.ImageSubresourceRange
}

type fakeCommandBuffer struct {
	core1_0.CommandBuffer

	name string
	log  *callLog

	beginInfos []core1_0.CommandBufferBeginInfo
	barriers   []barrierCall
	clears     []clearCall
}

func (c *fakeCommandBuffer) Reset(flags core1_0.CommandBufferResetFlags) (common.VkResult, error) {
	c.log.record(c.name + " reset")
	return core1_0.VKSuccess, nil
}

func (c *fakeCommandBuffer) Begin(o core1_0.CommandBufferBeginInfo) (common.VkResult, error) {
	c.beginInfos = append(c.beginInfos, o)
	c.log.record(c.name + " begin")
	return core1_0.VKSuccess, nil
}

func (c *fakeCommandBuffer) End() (common.VkResult, error) {
	c.log.record(c.name + " end")
	return core1_0.VKSuccess, nil
}

func (c *fakeCommandBuffer) CmdPipelineBarrier(srcStageMask, dstStageMask core1_0.PipelineStageFlags, dependencies core1_0.DependencyFlags, memoryBarriers []core1_0.MemoryBarrier, bufferMemoryBarriers []core1_0.BufferMemoryBarrier, imageMemoryBarriers []core1_0.ImageMemoryBarrier) error {
	c.barriers = append(c.barriers, barrierCall{
		srcStage: srcStageMask,
		dstStage: dstStageMask,
		flags:    dependencies,
		barriers: imageMemoryBarriers,
	})
	c.log.record(c.name + " barrier")
	return nil
}

func (c *fakeCommandBuffer) CmdClearColorImage(image core1_0.Image, imageLayout core1_0.ImageLayout, color core1_0.ClearColorValue, ranges []core1_0.ImageSubresourceRange) {
	c.clears = append(c.clears, clearCall{
		image:  image,
		layout: imageLayout,
		color:  color,
		ranges: ranges,
	})
	c.log.record(c.name + " clear")
}

type fakeImage struct {
	core1_0.Image

	id int
}

type fakeImageView struct {
	core1_0.ImageView

	name string
	log  *callLog

	destroyed int
}

func (v *fakeImageView) Destroy(callbacks *driver.AllocationCallbacks) {
	v.destroyed++
	v.log.record("destroy " + v.name)
}

// fakeDevice hands out fakes for every object the engine creates and can
// inject a failure at the nth creation call of each kind.
type fakeDevice struct {
	core1_0.Device

	mu  sync.Mutex
	log *callLog

	pools      []*fakeCommandPool
	buffers    []*fakeCommandBuffer
	semaphores []*fakeSemaphore
	fences     []*fakeFence

	poolInfos  []core1_0.CommandPoolCreateInfo
	allocInfos []core1_0.CommandBufferAllocateInfo
	fenceInfos []core1_0.FenceCreateInfo

	failPoolAt      int
	failAllocAt     int
	failSemaphoreAt int
	failFenceAt     int

	poolCalls      int
	allocCalls     int
	semaphoreCalls int
	fenceCalls     int

	waitIdleCalls int
	destroyed     int
}

func (d *fakeDevice) CreateCommandPool(allocationCallbacks *driver.AllocationCallbacks, o core1_0.CommandPoolCreateInfo) (core1_0.CommandPool, common.VkResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.poolCalls++
	if d.failPoolAt == d.poolCalls {
		return nil, core1_0.VKErrorOutOfHostMemory, errors.New("injected command pool failure")
	}

	pool := &fakeCommandPool{name: fmt.Sprintf("pool%d", len(d.pools)), log: d.log}
	d.pools = append(d.pools, pool)
	d.poolInfos = append(d.poolInfos, o)
	return pool, core1_0.VKSuccess, nil
}

func (d *fakeDevice) AllocateCommandBuffers(o core1_0.CommandBufferAllocateInfo) ([]core1_0.CommandBuffer, common.VkResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.allocCalls++
	if d.failAllocAt == d.allocCalls {
		return nil, core1_0.VKErrorOutOfHostMemory, errors.New("injected command buffer failure")
	}

	var buffers []core1_0.CommandBuffer
	for i := 0; i < o.CommandBufferCount; i++ {
		buffer := &fakeCommandBuffer{name: fmt.Sprintf("cb%d", len(d.buffers)), log: d.log}
		d.buffers = append(d.buffers, buffer)
		buffers = append(buffers, buffer)
	}
	d.allocInfos = append(d.allocInfos, o)
	return buffers, core1_0.VKSuccess, nil
}

func (d *fakeDevice) CreateSemaphore(allocationCallbacks *driver.AllocationCallbacks, o core1_0.SemaphoreCreateInfo) (core1_0.Semaphore, common.VkResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.semaphoreCalls++
	if d.failSemaphoreAt == d.semaphoreCalls {
		return nil, core1_0.VKErrorOutOfHostMemory, errors.New("injected semaphore failure")
	}

	semaphore := &fakeSemaphore{name: fmt.Sprintf("sem%d", len(d.semaphores)), log: d.log}
	d.semaphores = append(d.semaphores, semaphore)
	return semaphore, core1_0.VKSuccess, nil
}

func (d *fakeDevice) CreateFence(allocationCallbacks *driver.AllocationCallbacks, o core1_0.FenceCreateInfo) (core1_0.Fence, common.VkResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.fenceCalls++
	if d.failFenceAt == d.fenceCalls {
		return nil, core1_0.VKErrorOutOfHostMemory, errors.New("injected fence failure")
	}

	fence := &fakeFence{name: fmt.Sprintf("fence%d", len(d.fences)), log: d.log}
	d.fences = append(d.fences, fence)
	d.fenceInfos = append(d.fenceInfos, o)
	return fence, core1_0.VKSuccess, nil
}

func (d *fakeDevice) WaitIdle() (common.VkResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.waitIdleCalls++
	d.log.record("device waitIdle")
	return core1_0.VKSuccess, nil
}

func (d *fakeDevice) Destroy(callbacks *driver.AllocationCallbacks) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.destroyed++
	d.log.record("destroy device")
}

// requireAllReleased asserts that every object the device handed out has
// been destroyed exactly once.
func (d *fakeDevice) requireAllReleased(t *testing.T) {
	t.Helper()

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, pool := range d.pools {
		require.Equal(t, 1, pool.destroyed, "command pool %s", pool.name)
	}
	for _, semaphore := range d.semaphores {
		require.Equal(t, 1, semaphore.destroyed, "semaphore %s", semaphore.name)
	}
	for _, fence := range d.fences {
		require.Equal(t, 1, fence.destroyed, "fence %s", fence.name)
	}
}

type submitCall struct {
	fence core1_0.Fence
	infos []core1_0.SubmitInfo
}

type fakeQueue struct {
	core1_0.Queue

	log *callLog

	submits   []submitCall
	submitRes common.VkResult
	submitErr error
}

func (q *fakeQueue) Submit(fence core1_0.Fence, o []core1_0.SubmitInfo) (common.VkResult, error) {
	q.log.record("submit")
	if q.submitErr != nil {
		return q.submitRes, q.submitErr
	}
	q.submits = append(q.submits, submitCall{fence: fence, infos: o})
	return core1_0.VKSuccess, nil
}

func (q *fakeQueue) WaitIdle() (common.VkResult, error) {
	q.log.record("queue waitIdle")
	return core1_0.VKSuccess, nil
}

type acquireCall struct {
	index     int
	semaphore core1_0.Semaphore
}

type fakeSwapchain struct {
	khr_swapchain.Swapchain

	log *callLog

	imageCount   int
	acquireOrder []int
	acquireRes   common.VkResult
	acquireErr   error

	acquires  []acquireCall
	destroyed int
}

func (s *fakeSwapchain) AcquireNextImage(timeout time.Duration, semaphore core1_0.Semaphore, fence core1_0.Fence) (int, common.VkResult, error) {
	s.log.record("acquire")
	if s.acquireRes != core1_0.VKSuccess || s.acquireErr != nil {
		return 0, s.acquireRes, s.acquireErr
	}

	index := len(s.acquires) % s.imageCount
	if len(s.acquireOrder) > 0 {
		index = s.acquireOrder[len(s.acquires)%len(s.acquireOrder)]
	}
	s.acquires = append(s.acquires, acquireCall{index: index, semaphore: semaphore})
	return index, core1_0.VKSuccess, nil
}

func (s *fakeSwapchain) Destroy(callbacks *driver.AllocationCallbacks) {
	s.destroyed++
	s.log.record("destroy swapchain")
}

type fakeSwapchainExtension struct {
	khr_swapchain.Extension

	log *callLog

	presents   []khr_swapchain.PresentInfo
	presentRes common.VkResult
	presentErr error
}

func (x *fakeSwapchainExtension) QueuePresent(queue core1_0.Queue, o khr_swapchain.PresentInfo) (common.VkResult, error) {
	x.log.record("present")
	if x.presentRes != core1_0.VKSuccess || x.presentErr != nil {
		return x.presentRes, x.presentErr
	}
	x.presents = append(x.presents, o)
	return core1_0.VKSuccess, nil
}

type testHarness struct {
	log       *callLog
	device    *fakeDevice
	swapchain *fakeSwapchain
	swapExt   *fakeSwapchainExtension
	queue     *fakeQueue
}

// newTestEngine assembles an engine over fakes, with the frame pool and
// image registry built through their real constructors. The call log is
// cleared afterward so tests observe only the behavior under test.
func newTestEngine(t *testing.T, framesInFlight, imageCount int, acquireOrder []int) (*Engine, *testHarness) {
	t.Helper()

	calls := &callLog{}
	device := &fakeDevice{log: calls}

	frames, err := newFramePool(device, framesInFlight, 0)
	require.NoError(t, err)

	registry, err := newImageRegistry(device, imageCount)
	require.NoError(t, err)

	images := make([]core1_0.Image, imageCount)
	for i := range images {
		images[i] = &fakeImage{id: i}
	}

	swapchain := &fakeSwapchain{log: calls, imageCount: imageCount, acquireOrder: acquireOrder}
	swapExt := &fakeSwapchainExtension{log: calls}
	queue := &fakeQueue{log: calls}

	calls.reset()

	eng := &Engine{
		config: Config{
			FramesInFlight: framesInFlight,
			FenceTimeout:   50 * time.Millisecond,
		},
		device:             device,
		graphicsQueue:      queue,
		presentQueue:       queue,
		swapchainExtension: swapExt,
		swapchain:          swapchain,
		swapchainImages:    images,
		frames:             frames,
		imageSync:          registry,
		initialized:        true,
	}

	return eng, &testHarness{
		log:       calls,
		device:    device,
		swapchain: swapchain,
		swapExt:   swapExt,
		queue:     queue,
	}
}
