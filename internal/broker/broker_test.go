package broker

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiserve/gpubroker/internal/engine"
	"github.com/aiserve/gpubroker/internal/gpu"
	"github.com/aiserve/gpubroker/internal/logging"
	"github.com/aiserve/gpubroker/internal/registry"
	"github.com/aiserve/gpubroker/internal/wire"
)

// fakeHolder / fakeSupervisor mirror the in-process stand-ins the engine
// tests use: no child processes, no real driver, so these tests exercise the
// full TCP round-trip without GPU hardware.
type fakeHolder struct {
	pid int

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

type fakeSupervisor struct {
	mu      sync.Mutex
	nextPid int
	spawned []*fakeHolder
}

func (s *fakeSupervisor) Spawn(i int, exclusive bool) (registry.Holder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPid++
	h := &fakeHolder{pid: s.nextPid, alive: true}
	s.spawned = append(s.spawned, h)
	return h, nil
}

func (s *fakeSupervisor) Stop(h registry.Holder) error {
	if fh, ok := h.(*fakeHolder); ok {
		fh.kill()
	}
	return nil
}

type testBroker struct {
	addr      string
	inspector *gpu.MockInspector
	sup       *fakeSupervisor
	registry  *registry.Registry
	cancel    context.CancelFunc
}

// startBroker brings up a full broker on an ephemeral port: real listener,
// real actor loop, real reaper ticking at reaperInterval.
func startBroker(t *testing.T, deviceCount int, reaperInterval time.Duration) *testBroker {
	t.Helper()

	inspector := gpu.NewMockInspector(deviceCount, 16*1024*1024*1024)
	sup := &fakeSupervisor{}
	reg := registry.New()
	eng := engine.New(inspector, sup, reg, logging.GetBrokerLogger())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	brk := New(listener, eng, logging.GetBrokerLogger(), reaperInterval)

	ctx, cancel := context.WithCancel(context.Background())
	go brk.Run(ctx)
	t.Cleanup(cancel)

	return &testBroker{
		addr:      listener.Addr().String(),
		inspector: inspector,
		sup:       sup,
		registry:  reg,
		cancel:    cancel,
	}
}

// roundTrip performs the one-request-one-reply-per-connection exchange a real
// client would.
func roundTrip(t *testing.T, addr string, req wire.Request) wire.Result {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	encoded, err := wire.EncodeRequest(req)
	require.NoError(t, err)
	_, err = conn.Write(encoded)
	require.NoError(t, err)

	body, err := wire.ReadUntilSentinel(conn)
	require.NoError(t, err)

	result, err := wire.DecodeResult(body)
	require.NoError(t, err)
	return result
}

func TestInfoOnEmptyHost(t *testing.T) {
	tb := startBroker(t, 1, time.Minute)

	res := roundTrip(t, tb.addr, wire.Request{Info: &wire.GetSystemInfoRequest{}})
	require.NotNil(t, res.Info)
	assert.Equal(t, 1, res.Info.Info["device_num"])
	assert.NotEmpty(t, res.Info.Info["driver_version"])
}

func TestNonExclusiveAllocateThenRelease(t *testing.T) {
	tb := startBroker(t, 1, time.Minute)

	alloc := roundTrip(t, tb.addr, wire.Request{Allocate: &wire.AllocateGpusRequest{NumGPUs: 1}})
	require.NotNil(t, alloc.Allocate)
	require.True(t, alloc.Allocate.Success)
	assert.Equal(t, []int{0}, alloc.Allocate.DeviceIndices)
	require.Len(t, alloc.Allocate.Handles, 1)
	require.Len(t, alloc.Allocate.Pids, 1)

	rel := roundTrip(t, tb.addr, wire.Request{Release: &wire.ReleaseGpusRequest{Handles: alloc.Allocate.Handles}})
	require.NotNil(t, rel.Release)
	assert.True(t, rel.Release.Success)
	assert.Empty(t, rel.Release.FailedHandles)
	assert.Equal(t, 0, tb.registry.Len())
}

func TestOversubscription(t *testing.T) {
	tb := startBroker(t, 2, time.Minute)

	first := roundTrip(t, tb.addr, wire.Request{Allocate: &wire.AllocateGpusRequest{NumGPUs: 2, Exclusive: true}})
	require.NotNil(t, first.Allocate)
	require.True(t, first.Allocate.Success)

	second := roundTrip(t, tb.addr, wire.Request{Allocate: &wire.AllocateGpusRequest{NumGPUs: 1, Exclusive: true}})
	require.NotNil(t, second.Allocate)
	assert.False(t, second.Allocate.Success)
	assert.Empty(t, second.Allocate.DeviceIndices)
	assert.Empty(t, second.Allocate.Pids)
	assert.Empty(t, second.Allocate.Handles)
}

func TestReleaseUnknownHandle(t *testing.T) {
	tb := startBroker(t, 1, time.Minute)

	rel := roundTrip(t, tb.addr, wire.Request{Release: &wire.ReleaseGpusRequest{Handles: []string{"deadbeef"}}})
	require.NotNil(t, rel.Release)
	assert.False(t, rel.Release.Success)
	assert.Equal(t, []string{"deadbeef"}, rel.Release.FailedHandles)
}

func TestReaperReclaimsKilledHolder(t *testing.T) {
	tb := startBroker(t, 1, 25*time.Millisecond)

	alloc := roundTrip(t, tb.addr, wire.Request{Allocate: &wire.AllocateGpusRequest{NumGPUs: 1, Exclusive: true}})
	require.NotNil(t, alloc.Allocate)
	require.True(t, alloc.Allocate.Success)
	handle := alloc.Allocate.Handles[0]

	// Kill the holder out-of-band, as if the child process died.
	tb.sup.mu.Lock()
	tb.sup.spawned[0].kill()
	tb.sup.mu.Unlock()

	// Within two reaper periods the handle is gone and the device is back
	// to DEFAULT compute-mode.
	require.Eventually(t, func() bool {
		_, ok := tb.registry.Get(handle)
		return !ok
	}, time.Second, 10*time.Millisecond)

	mode, err := tb.inspector.GetComputeMode(0)
	require.NoError(t, err)
	assert.Equal(t, gpu.ComputeModeDefault, mode)
}

func TestMemSizeFilterRejectsTooSmallDevice(t *testing.T) {
	tb := startBroker(t, 1, time.Minute)
	tb.inspector.SetFree(0, 1<<30) // 1 GiB free

	memSize := int64(2 << 30) // demand 2 GiB
	res := roundTrip(t, tb.addr, wire.Request{Allocate: &wire.AllocateGpusRequest{NumGPUs: 1, MemSize: &memSize}})
	require.NotNil(t, res.Allocate)
	assert.False(t, res.Allocate.Success)
}

func TestEarlyPeerCloseLeavesBrokerServing(t *testing.T) {
	tb := startBroker(t, 1, time.Minute)

	// A peer that connects and hangs up before sending a full frame must be
	// dropped without disturbing anything.
	conn, err := net.Dial("tcp", tb.addr)
	require.NoError(t, err)
	_, err = conn.Write([]byte("garbage with no sentinel"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	// The broker still answers the next well-formed request.
	res := roundTrip(t, tb.addr, wire.Request{Info: &wire.GetSystemInfoRequest{}})
	require.NotNil(t, res.Info)
	assert.Equal(t, 1, res.Info.Info["device_num"])
}

func TestHandleUniquenessAcrossAllocates(t *testing.T) {
	tb := startBroker(t, 2, time.Minute)

	seen := make(map[string]bool)
	for round := 0; round < 5; round++ {
		alloc := roundTrip(t, tb.addr, wire.Request{Allocate: &wire.AllocateGpusRequest{NumGPUs: 2}})
		require.NotNil(t, alloc.Allocate)
		require.True(t, alloc.Allocate.Success)
		for _, h := range alloc.Allocate.Handles {
			assert.False(t, seen[h], "handle %s returned twice", h)
			seen[h] = true
		}
		rel := roundTrip(t, tb.addr, wire.Request{Release: &wire.ReleaseGpusRequest{Handles: alloc.Allocate.Handles}})
		require.True(t, rel.Release.Success)
	}
}

func TestConcurrentConnectionsSerializeThroughActorLoop(t *testing.T) {
	tb := startBroker(t, 2, time.Minute)

	// Two clients race for two devices with exclusive requests; the actor
	// loop serializes dispatch, so exactly one of them can win both devices
	// and the loser must see a clean failure rather than a partial grant.
	var wg sync.WaitGroup
	results := make([]wire.AllocateGpusResult, 2)
	for c := 0; c < 2; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			res := roundTrip(t, tb.addr, wire.Request{Allocate: &wire.AllocateGpusRequest{NumGPUs: 2, Exclusive: true}})
			if res.Allocate != nil {
				results[c] = *res.Allocate
			}
		}(c)
	}
	wg.Wait()

	wins := 0
	for _, r := range results {
		if r.Success {
			wins++
			assert.Len(t, r.Handles, 2)
		} else {
			assert.Empty(t, r.Handles)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 2, tb.registry.Len())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	inspector := gpu.NewMockInspector(1, 1<<30)
	reg := registry.New()
	eng := engine.New(inspector, &fakeSupervisor{}, reg, logging.GetBrokerLogger())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	brk := New(listener, eng, logging.GetBrokerLogger(), time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- brk.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	// The listener is closed; new connections are refused.
	_, dialErr := net.DialTimeout("tcp", listener.Addr().String(), 100*time.Millisecond)
	assert.Error(t, dialErr)
}
