package engine

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiserve/gpubroker/internal/gpu"
	"github.com/aiserve/gpubroker/internal/logging"
	"github.com/aiserve/gpubroker/internal/registry"
	"github.com/aiserve/gpubroker/internal/wire"
)

// fakeHolder is an in-process stand-in for *holder.Handle.
type fakeHolder struct {
	pid   int
	index int

	mu    sync.Mutex
	alive bool
}

func (f *fakeHolder) Pid() int { return f.pid }
func (f *fakeHolder) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}
func (f *fakeHolder) kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
}

// fakeSupervisor is an in-process stand-in for *holder.Supervisor: no child
// processes, no real driver, just bookkeeping the tests can assert against.
type fakeSupervisor struct {
	mu        sync.Mutex
	nextPid   int
	spawned   []*fakeHolder
	stopped   []registry.Holder
	failOn    map[int]bool // device index -> Spawn fails
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{failOn: make(map[int]bool)}
}

func (s *fakeSupervisor) Spawn(i int, exclusive bool) (registry.Holder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[i] {
		return nil, errors.New("fake spawn failure")
	}
	s.nextPid++
	h := &fakeHolder{pid: s.nextPid, index: i, alive: true}
	s.spawned = append(s.spawned, h)
	return h, nil
}

func (s *fakeSupervisor) Stop(h registry.Holder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, h)
	if fh, ok := h.(*fakeHolder); ok {
		fh.kill()
	}
	return nil
}

func (s *fakeSupervisor) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stopped)
}

func newTestEngine(deviceCount int) (*Engine, *gpu.MockInspector, *fakeSupervisor) {
	inspector := gpu.NewMockInspector(deviceCount, 16*1024*1024*1024)
	sup := newFakeSupervisor()
	reg := registry.New()
	eng := New(inspector, sup, reg, logging.GetBrokerLogger())
	return eng, inspector, sup
}

func TestAllocate_ExclusiveGrantsIdleDevices(t *testing.T) {
	eng, inspector, _ := newTestEngine(2)

	res := eng.Allocate(wire.AllocateGpusRequest{NumGPUs: 2, Exclusive: true})
	require.True(t, res.Success)
	assert.ElementsMatch(t, []int{0, 1}, res.DeviceIndices)
	assert.Len(t, res.Handles, 2)
	assert.Len(t, res.Pids, 2)

	for _, i := range res.DeviceIndices {
		mode, err := inspector.GetComputeMode(i)
		require.NoError(t, err)
		assert.Equal(t, gpu.ComputeModeExclusive, mode)
	}
	assert.Equal(t, 2, eng.registry.Len())
}

func TestAllocate_NonExclusiveLeavesComputeModeDefault(t *testing.T) {
	eng, inspector, _ := newTestEngine(1)

	res := eng.Allocate(wire.AllocateGpusRequest{NumGPUs: 1, Exclusive: false})
	require.True(t, res.Success)

	mode, err := inspector.GetComputeMode(0)
	require.NoError(t, err)
	assert.Equal(t, gpu.ComputeModeDefault, mode)
}

func TestAllocate_ExclusiveRequiresZeroRunningProcesses(t *testing.T) {
	eng, inspector, _ := newTestEngine(1)
	inspector.SetProcessCount(0, 1)

	res := eng.Allocate(wire.AllocateGpusRequest{NumGPUs: 1, Exclusive: true})
	assert.False(t, res.Success)
	assert.Equal(t, 0, eng.registry.Len())
}

func TestAllocate_NonExclusiveIgnoresRunningProcesses(t *testing.T) {
	eng, inspector, _ := newTestEngine(1)
	inspector.SetProcessCount(0, 3)

	res := eng.Allocate(wire.AllocateGpusRequest{NumGPUs: 1, Exclusive: false})
	assert.True(t, res.Success)
}

func TestAllocate_ExclusiveRequiresDeviceNotAlreadyInUse(t *testing.T) {
	eng, _, _ := newTestEngine(1)

	first := eng.Allocate(wire.AllocateGpusRequest{NumGPUs: 1, Exclusive: false})
	require.True(t, first.Success)

	// Device 0 is held non-exclusively; a second exclusive request for the
	// same (only) device must see it as in-use and fail for lack of
	// capacity rather than double-granting it.
	second := eng.Allocate(wire.AllocateGpusRequest{NumGPUs: 1, Exclusive: true})
	assert.False(t, second.Success)
}

func TestAllocate_MemSizePredicate(t *testing.T) {
	eng, inspector, _ := newTestEngine(1)
	inspector.SetFree(0, 1024)

	memSize := int64(2048)
	res := eng.Allocate(wire.AllocateGpusRequest{NumGPUs: 1, MemSize: &memSize})
	assert.False(t, res.Success, "free memory below mem_size must be rejected")

	memSize = 512
	res = eng.Allocate(wire.AllocateGpusRequest{NumGPUs: 1, MemSize: &memSize})
	assert.True(t, res.Success, "free memory above mem_size must be admitted")
}

func TestAllocate_DefaultMemoryThresholdIsSeventyPercentFree(t *testing.T) {
	inspector := gpu.NewMockInspector(1, 1000)
	sup := newFakeSupervisor()
	reg := registry.New()
	eng := New(inspector, sup, reg, logging.GetBrokerLogger())

	inspector.SetFree(0, 650) // 65% free, below the 70% default threshold
	res := eng.Allocate(wire.AllocateGpusRequest{NumGPUs: 1})
	assert.False(t, res.Success)

	inspector.SetFree(0, 750) // 75% free, above threshold
	res = eng.Allocate(wire.AllocateGpusRequest{NumGPUs: 1})
	assert.True(t, res.Success)
}

func TestAllocate_CapacityHonesty_NoPartialCommit(t *testing.T) {
	eng, _, sup := newTestEngine(2)

	res := eng.Allocate(wire.AllocateGpusRequest{NumGPUs: 3, Exclusive: true})
	assert.False(t, res.Success)
	assert.Equal(t, 0, eng.registry.Len())
	assert.Equal(t, 0, sup.stopCount(), "nothing was committed so nothing should be rolled back")
}

func TestAllocate_RollsBackOnMidAllocationSpawnFailure(t *testing.T) {
	eng, inspector, sup := newTestEngine(2)
	sup.failOn[1] = true

	res := eng.Allocate(wire.AllocateGpusRequest{NumGPUs: 2, Exclusive: true})
	assert.False(t, res.Success)
	assert.Equal(t, 0, eng.registry.Len())

	// Device 0's compute-mode flip must have been rolled back too.
	mode, err := inspector.GetComputeMode(0)
	require.NoError(t, err)
	assert.Equal(t, gpu.ComputeModeDefault, mode)

	// The holder spawned for device 0 before the failure must have been
	// stopped as part of rollback.
	assert.Equal(t, 1, sup.stopCount())
}

func TestRelease_StopsHolderAndRestoresComputeMode(t *testing.T) {
	eng, inspector, sup := newTestEngine(1)

	alloc := eng.Allocate(wire.AllocateGpusRequest{NumGPUs: 1, Exclusive: true})
	require.True(t, alloc.Success)
	handle := alloc.Handles[0]

	res := eng.Release(wire.ReleaseGpusRequest{Handles: []string{handle}})
	assert.True(t, res.Success)
	assert.Empty(t, res.FailedHandles)
	assert.Equal(t, 0, eng.registry.Len())
	assert.Equal(t, 1, sup.stopCount())

	mode, err := inspector.GetComputeMode(0)
	require.NoError(t, err)
	assert.Equal(t, gpu.ComputeModeDefault, mode)
}

func TestRelease_UnknownHandleIsNotAnError(t *testing.T) {
	eng, _, _ := newTestEngine(1)

	res := eng.Release(wire.ReleaseGpusRequest{Handles: []string{"does-not-exist"}})
	assert.False(t, res.Success)
	assert.Equal(t, []string{"does-not-exist"}, res.FailedHandles)
}

func TestReapDead_ReclaimsDeadHoldersAndRestoresComputeMode(t *testing.T) {
	eng, inspector, sup := newTestEngine(1)

	alloc := eng.Allocate(wire.AllocateGpusRequest{NumGPUs: 1, Exclusive: true})
	require.True(t, alloc.Success)

	// Simulate the child dying without going through Release.
	sup.mu.Lock()
	sup.spawned[0].kill()
	sup.mu.Unlock()

	eng.ReapDead()

	assert.Equal(t, 0, eng.registry.Len())
	mode, err := inspector.GetComputeMode(0)
	require.NoError(t, err)
	assert.Equal(t, gpu.ComputeModeDefault, mode)
}

func TestReapDead_LeavesLiveHoldersAlone(t *testing.T) {
	eng, _, _ := newTestEngine(1)

	alloc := eng.Allocate(wire.AllocateGpusRequest{NumGPUs: 1, Exclusive: true})
	require.True(t, alloc.Success)

	eng.ReapDead()
	assert.Equal(t, 1, eng.registry.Len())
}

func TestForceReap_UnknownHandleReturnsFalse(t *testing.T) {
	eng, _, _ := newTestEngine(1)
	assert.False(t, eng.ForceReap("nope"))
}

func TestForceReap_KnownHandleStopsAndRemoves(t *testing.T) {
	eng, _, sup := newTestEngine(1)

	alloc := eng.Allocate(wire.AllocateGpusRequest{NumGPUs: 1, Exclusive: true})
	require.True(t, alloc.Success)

	ok := eng.ForceReap(alloc.Handles[0])
	assert.True(t, ok)
	assert.Equal(t, 0, eng.registry.Len())
	assert.Equal(t, 1, sup.stopCount())
}

func TestListReservations_ReflectsLiveState(t *testing.T) {
	eng, _, _ := newTestEngine(2)
	assert.Empty(t, eng.ListReservations())

	alloc := eng.Allocate(wire.AllocateGpusRequest{NumGPUs: 2, Exclusive: false})
	require.True(t, alloc.Success)
	assert.Len(t, eng.ListReservations(), 2)
}

func TestSystemInfo_ClassifiesDevices(t *testing.T) {
	eng, inspector, _ := newTestEngine(2)
	inspector.SetName(0, "NVIDIA A100-SXM4-80GB")
	inspector.SetName(1, "unknown-widget-9000")

	info := eng.SystemInfo()
	assert.Equal(t, "mock-0.0", info.Info["driver_version"])
	assert.Equal(t, 2, info.Info["device_num"])

	devices, ok := info.Info["devices"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, devices, 2)
	assert.Equal(t, "NVIDIA A100-SXM4-80GB", devices[0]["name"])
	assert.Equal(t, string(gpu.VendorNVIDIA), devices[0]["vendor"])
}

func TestResetAllDevices_RestoresDefaultComputeMode(t *testing.T) {
	eng, inspector, _ := newTestEngine(2)
	require.NoError(t, inspector.SetComputeMode(0, gpu.ComputeModeExclusive))
	require.NoError(t, inspector.SetComputeMode(1, gpu.ComputeModeExclusive))

	eng.ResetAllDevices()

	for i := 0; i < 2; i++ {
		mode, err := inspector.GetComputeMode(i)
		require.NoError(t, err)
		assert.Equal(t, gpu.ComputeModeDefault, mode)
	}
}

// fatalCollector records every error handed to WithFatalHandler, the way
// cmd/broker's real handler would tear the process down instead.
type fatalCollector struct {
	mu   sync.Mutex
	errs []error
}

func (c *fatalCollector) handle(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *fatalCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errs)
}

func TestAllocate_DriverErrorDuringIdleScanTriggersFatalHandler(t *testing.T) {
	eng, inspector, _ := newTestEngine(2)
	fc := &fatalCollector{}
	eng.WithFatalHandler(fc.handle)

	inspector.SetDriverError(1, "mem_info")

	res := eng.Allocate(wire.AllocateGpusRequest{NumGPUs: 1, Exclusive: true})
	assert.False(t, res.Success)
	require.Equal(t, 1, fc.count())

	var driverErr *gpu.DriverError
	require.True(t, errors.As(fc.errs[0], &driverErr))
	assert.Equal(t, 1, driverErr.DeviceIndex)
}

func TestAllocate_ComputeModeFlipDriverErrorTriggersFatalAndRollsBack(t *testing.T) {
	eng, inspector, _ := newTestEngine(1)
	fc := &fatalCollector{}
	eng.WithFatalHandler(fc.handle)

	inspector.SetDriverError(0, "set_compute_mode")

	res := eng.Allocate(wire.AllocateGpusRequest{NumGPUs: 1, Exclusive: true})
	assert.False(t, res.Success)
	assert.Equal(t, 0, eng.registry.Len())
	assert.Equal(t, 1, fc.count())
}

func TestReapDead_DriverErrorOnRestoreTriggersFatalHandler(t *testing.T) {
	eng, inspector, sup := newTestEngine(1)

	alloc := eng.Allocate(wire.AllocateGpusRequest{NumGPUs: 1, Exclusive: true})
	require.True(t, alloc.Success)

	sup.mu.Lock()
	sup.spawned[0].kill()
	sup.mu.Unlock()

	fc := &fatalCollector{}
	eng.WithFatalHandler(fc.handle)
	inspector.SetDriverError(0, "set_compute_mode")

	eng.ReapDead()

	assert.Equal(t, 0, eng.registry.Len(), "the dead reservation is still reclaimed even though the restore failed")
	require.Equal(t, 1, fc.count())
}
