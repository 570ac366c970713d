// Package engine implements the admission engine plus the release and
// system-info handlers logically grouped with it. internal/broker's
// dispatcher decodes wire requests and calls straight into these three
// methods.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aiserve/gpubroker/internal/audit"
	"github.com/aiserve/gpubroker/internal/events"
	"github.com/aiserve/gpubroker/internal/gpu"
	"github.com/aiserve/gpubroker/internal/logging"
	"github.com/aiserve/gpubroker/internal/metrics"
	"github.com/aiserve/gpubroker/internal/registry"
	"github.com/aiserve/gpubroker/internal/wire"
)

// Supervisor is the narrow holder-lifecycle surface the engine depends on.
// *holder.Supervisor does not implement this directly (its Spawn/Stop
// methods return/accept the concrete *holder.Handle); cmd/broker adapts it
// at construction time. Tests use an in-process fake instead.
type Supervisor interface {
	Spawn(i int, exclusive bool) (registry.Holder, error)
	Stop(h registry.Holder) error
}

// Engine owns the only references that allocate/release/reap code paths
// need: the Device Inspector, the Holder Supervisor, and the Registry. It
// has no internal locking of its own — serialization is the caller's (the
// single-threaded dispatch loop's) responsibility. audit and events are
// purely observational: neither is ever consulted for an admission
// decision, and both are safe to leave nil.
type Engine struct {
	inspector  gpu.Inspector
	supervisor Supervisor
	registry   *registry.Registry
	log        *logging.BrokerLogger
	audit      audit.Sink
	events     *events.Publisher
	onFatal    func(error)
}

func New(inspector gpu.Inspector, supervisor Supervisor, reg *registry.Registry, log *logging.BrokerLogger) *Engine {
	return &Engine{inspector: inspector, supervisor: supervisor, registry: reg, log: log}
}

// WithAudit attaches an audit sink. Returns the engine for chaining at
// construction time in cmd/broker.
func (e *Engine) WithAudit(sink audit.Sink) *Engine {
	e.audit = sink
	return e
}

// WithEvents attaches an event publisher.
func (e *Engine) WithEvents(pub *events.Publisher) *Engine {
	e.events = pub
	return e
}

// WithFatalHandler attaches the callback invoked whenever the inspector
// classifies a failure as a *gpu.DriverError rather than a permission
// problem. Anything but permission-denied is grounds for the broker to
// clean up and shut down, not just fail the one request that happened to
// surface it; cmd/broker wires this to its own shutdown path.
func (e *Engine) WithFatalHandler(fn func(error)) *Engine {
	e.onFatal = fn
	return e
}

// reportDriverError checks err for a *gpu.DriverError and, if found, logs it
// and invokes the fatal handler. Returns whether err was a DriverError so
// callers can fold the check into their own control flow.
func (e *Engine) reportDriverError(err error) bool {
	var driverErr *gpu.DriverError
	if !errors.As(err, &driverErr) {
		return false
	}
	e.log.Errorf("fatal driver error on device %d (%s): %v", driverErr.DeviceIndex, driverErr.Op, driverErr.Cause)
	if e.onFatal != nil {
		e.onFatal(driverErr)
	}
	return true
}

func (e *Engine) notify(kind audit.EventKind, handle string, deviceIndex int, exclusive bool) {
	at := time.Now()
	if e.audit != nil {
		if err := e.audit.Record(context.Background(), audit.Event{
			Kind: kind, Handle: handle, DeviceIndex: deviceIndex, Exclusive: exclusive, At: at,
		}); err != nil {
			e.log.Errorf("audit: record %s for %s: %v", kind, handle, err)
		}
	}
	if e.events != nil {
		e.events.Publish(context.Background(), events.Event{
			Type: "reservation." + string(kind), Handle: handle, DeviceIndex: deviceIndex, Exclusive: exclusive, At: at,
		})
	}
}

const memoryFreeFraction = 0.7

// Allocate runs the full admission algorithm: scan for idle devices, flip
// compute-mode and spawn holders for as many as requested, or roll back
// everything already committed this call if any step fails.
func (e *Engine) Allocate(req wire.AllocateGpusRequest) wire.AllocateGpusResult {
	idle, err := e.idleDevices(req.Exclusive, req.MemSize)
	if err != nil {
		e.log.Errorf("allocate: idle-device scan failed: %v", err)
		return wire.AllocateGpusResult{Success: false}
	}

	if len(idle) < req.NumGPUs {
		// Too few idle devices fails cleanly and honestly: nothing has
		// been committed yet, so no rollback is needed.
		e.log.Infof("allocate: requested %d gpus, only %d idle, failing", req.NumGPUs, len(idle))
		metrics.GetMetrics().RecordAllocate(false, 0)
		return wire.AllocateGpusResult{Success: false}
	}

	chosen := idle[:req.NumGPUs]

	var (
		deviceIndices []int
		pids          []int
		handles       []string
		holders       []registry.Holder
		holderDevices []int
		modeFlipped   []int
	)

	rollback := func(cause error) wire.AllocateGpusResult {
		for j, h := range holders {
			if err := e.supervisor.Stop(h); err != nil {
				e.log.Errorf("allocate rollback: stop holder on device %d: %v", holderDevices[j], err)
			}
		}
		for _, i := range modeFlipped {
			if err := e.inspector.SetComputeMode(i, gpu.ComputeModeDefault); err != nil {
				e.log.Errorf("allocate rollback: restore compute-mode on device %d: %v", i, err)
			}
		}
		for _, h := range handles {
			e.registry.Remove(h)
		}
		e.log.Warnf("allocate: rolled back partial allocation (%v)", cause)
		metrics.GetMetrics().RecordAllocate(false, 0)
		return wire.AllocateGpusResult{Success: false}
	}

	for _, i := range chosen {
		if req.Exclusive {
			if err := e.inspector.SetComputeMode(i, gpu.ComputeModeExclusive); err != nil {
				e.reportDriverError(err)
				return rollback(fmt.Errorf("set compute-mode on device %d: %w", i, err))
			}
			modeFlipped = append(modeFlipped, i)
		}

		h, err := e.supervisor.Spawn(i, req.Exclusive)
		if err != nil {
			e.log.Errorf("allocate: holder spawn failed on device %d: %v", i, err)
			return rollback(err)
		}
		holders = append(holders, h)
		holderDevices = append(holderDevices, i)

		handle, err := registry.NewHandle()
		if err != nil {
			return rollback(fmt.Errorf("generate handle: %w", err))
		}

		e.registry.Insert(&registry.Reservation{
			Handle:      handle,
			DeviceIndex: i,
			Exclusive:   req.Exclusive,
			Holder:      h,
		})

		deviceIndices = append(deviceIndices, i)
		pids = append(pids, h.Pid())
		handles = append(handles, handle)
		e.notify(audit.EventAllocated, handle, i, req.Exclusive)
	}

	e.log.Infof("allocate: granted devices %v as handles %v", deviceIndices, handles)
	metrics.GetMetrics().RecordAllocate(true, len(deviceIndices))
	return wire.AllocateGpusResult{
		Success:       true,
		DeviceIndices: deviceIndices,
		Pids:          pids,
		Handles:       handles,
	}
}

// idleDevices returns candidate device indices, in index order, satisfying
// the mode-specific idle predicate.
func (e *Engine) idleDevices(exclusive bool, memSize *int64) ([]int, error) {
	var idle []int
	for i := 0; i < e.inspector.DeviceCount(); i++ {
		ok, err := e.isIdle(i, exclusive, memSize)
		if err != nil {
			if _, isPermDenied := err.(*gpu.PermissionDeniedError); isPermDenied {
				e.log.Warnf("idle check: permission denied on device %d: %v", i, err)
				continue
			}
			e.reportDriverError(err)
			return nil, err
		}
		if ok {
			idle = append(idle, i)
		}
	}
	return idle, nil
}

func (e *Engine) isIdle(i int, exclusive bool, memSize *int64) (bool, error) {
	free, total, err := e.inspector.MemInfo(i)
	if err != nil {
		return false, err
	}
	memOK := false
	if memSize != nil {
		memOK = free > uint64(*memSize)
	} else {
		memOK = total > 0 && float64(free)/float64(total) > memoryFreeFraction
	}
	if !memOK {
		return false, nil
	}

	if exclusive {
		procs, err := e.inspector.RunningProcessCount(i)
		if err != nil {
			return false, err
		}
		if procs != 0 {
			return false, nil
		}
		if e.registry.DeviceInUse(i) {
			return false, nil
		}
		return true, nil
	}

	mode, err := e.inspector.GetComputeMode(i)
	if err != nil {
		return false, err
	}
	return mode == gpu.ComputeModeDefault, nil
}

// Release tears down the given reservations: stop each holder, restore
// compute-mode for exclusive reservations, and remove the registry entry.
func (e *Engine) Release(req wire.ReleaseGpusRequest) wire.ReleaseGpusResult {
	var failed []string
	for _, handle := range req.Handles {
		res, ok := e.registry.Get(handle)
		if !ok {
			// UnknownHandle: not an error condition, just a failed entry.
			failed = append(failed, handle)
			continue
		}

		if res.Holder != nil {
			if err := e.supervisor.Stop(res.Holder); err != nil {
				e.log.Errorf("release: stop holder for handle %s: %v", handle, err)
			}
		}

		if res.Exclusive {
			if err := e.inspector.SetComputeMode(res.DeviceIndex, gpu.ComputeModeDefault); err != nil {
				e.log.Errorf("release: restore compute-mode for handle %s: %v", handle, err)
				failed = append(failed, handle)
				continue
			}
		}

		e.registry.Remove(handle)
		e.notify(audit.EventReleased, handle, res.DeviceIndex, res.Exclusive)
	}

	metrics.GetMetrics().RecordRelease(len(failed) == 0, len(req.Handles)-len(failed))
	return wire.ReleaseGpusResult{
		Success:       len(failed) == 0,
		FailedHandles: failed,
	}
}

// SystemInfo is a pure read of driver, device-count, and per-device
// classification facts.
func (e *Engine) SystemInfo() wire.GetSystemInfoResult {
	info := make(map[string]interface{})

	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("system info: panic querying inspector: %v", r)
		}
	}()

	info["driver_version"] = e.inspector.DriverVersion()
	info["device_num"] = e.inspector.DeviceCount()

	devices := make([]map[string]interface{}, 0, e.inspector.DeviceCount())
	for i := 0; i < e.inspector.DeviceCount(); i++ {
		name, err := e.inspector.DeviceName(i)
		if err != nil {
			e.log.Warnf("system info: device name query failed on device %d: %v", i, err)
			continue
		}
		group, _ := gpu.ClassifyGPU(name)
		devices = append(devices, map[string]interface{}{
			"index":  i,
			"name":   name,
			"vendor": string(group.Vendor),
			"tier":   string(group.Tier),
			"vram_gb": group.VRAM,
		})
	}
	info["devices"] = devices

	return wire.GetSystemInfoResult{Info: info}
}

// ResetAllDevices puts every device back to DEFAULT compute-mode. Called at
// startup and during fatal-driver-error clean-up.
func (e *Engine) ResetAllDevices() {
	for i := 0; i < e.inspector.DeviceCount(); i++ {
		if err := e.inspector.SetComputeMode(i, gpu.ComputeModeDefault); err != nil {
			e.log.Errorf("reset: device %d: %v", i, err)
		}
	}
}

// ForceReap lets an operator reclaim a specific reservation through the
// admin surface (internal/admin), independent of the reaper's liveness
// check. Reports false if handle is unknown.
func (e *Engine) ForceReap(handle string) bool {
	res, ok := e.registry.Get(handle)
	if !ok {
		return false
	}

	if res.Holder != nil {
		if err := e.supervisor.Stop(res.Holder); err != nil {
			e.log.Errorf("force-reap: stop holder for handle %s: %v", handle, err)
		}
	}
	if res.Exclusive {
		if err := e.inspector.SetComputeMode(res.DeviceIndex, gpu.ComputeModeDefault); err != nil {
			e.log.Errorf("force-reap: restore compute-mode for handle %s: %v", handle, err)
		}
	}

	e.registry.Remove(handle)
	e.notify(audit.EventReaped, handle, res.DeviceIndex, res.Exclusive)
	metrics.GetMetrics().RecordReap(1)
	return true
}

// ListReservations exposes a read-only snapshot for the admin surface.
func (e *Engine) ListReservations() []*registry.Reservation {
	return e.registry.Snapshot()
}

// ReapDead scans the registry for holders that are no longer alive and
// cleans them up — the reaper loop's per-tick work.
func (e *Engine) ReapDead() {
	reaped := 0
	for _, res := range e.registry.Snapshot() {
		if res.Holder == nil || res.Holder.IsAlive() {
			continue
		}

		e.log.Warnf("reaper: holder for handle %s (device %d, pid %d) is dead", res.Handle, res.DeviceIndex, res.Holder.Pid())

		if res.Exclusive {
			if err := e.inspector.SetComputeMode(res.DeviceIndex, gpu.ComputeModeDefault); err != nil {
				e.log.Errorf("reaper: restore compute-mode on device %d: %v", res.DeviceIndex, err)
				e.reportDriverError(err)
			}
		}

		e.registry.Remove(res.Handle)
		e.notify(audit.EventReaped, res.Handle, res.DeviceIndex, res.Exclusive)
		reaped++
	}
	if reaped > 0 {
		metrics.GetMetrics().RecordReap(reaped)
	}
}
