package gpu

import (
	"fmt"
	"sync"
)

type mockDevice struct {
	freeBytes, totalBytes uint64
	processCount          int
	mode                  ComputeMode
	name                  string
	failOp                string
}

// MockInspector drives an in-memory simulated device set, the Go analog of
// running the broker against a real GPU host without one attached. Used by
// BROKER_GPU_INSPECTOR=mock and by the admission-engine/registry tests.
type MockInspector struct {
	mu      sync.Mutex
	devices []mockDevice
}

// NewMockInspector creates n devices, each reporting totalBytes total
// memory and fully free, DEFAULT compute-mode, and zero running processes.
func NewMockInspector(n int, totalBytes uint64) *MockInspector {
	devices := make([]mockDevice, n)
	for i := range devices {
		devices[i] = mockDevice{freeBytes: totalBytes, totalBytes: totalBytes, mode: ComputeModeDefault, name: "A100"}
	}
	return &MockInspector{devices: devices}
}

func (m *MockInspector) DeviceCount() int { return len(m.devices) }

func (m *MockInspector) DriverVersion() string { return "mock-0.0" }

func (m *MockInspector) RunningProcessCount(i int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkIndex(i); err != nil {
		return 0, err
	}
	if err := m.checkFailOp(i, "process_count"); err != nil {
		return 0, err
	}
	return m.devices[i].processCount, nil
}

func (m *MockInspector) MemInfo(i int) (free, total uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkIndex(i); err != nil {
		return 0, 0, err
	}
	if err := m.checkFailOp(i, "mem_info"); err != nil {
		return 0, 0, err
	}
	return m.devices[i].freeBytes, m.devices[i].totalBytes, nil
}

func (m *MockInspector) GetComputeMode(i int) (ComputeMode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkIndex(i); err != nil {
		return "", err
	}
	if err := m.checkFailOp(i, "get_compute_mode"); err != nil {
		return "", err
	}
	return m.devices[i].mode, nil
}

func (m *MockInspector) SetComputeMode(i int, mode ComputeMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkIndex(i); err != nil {
		return err
	}
	if err := m.checkFailOp(i, "set_compute_mode"); err != nil {
		return err
	}
	// Idempotent: no-op when already in the requested mode.
	if m.devices[i].mode == mode {
		return nil
	}
	m.devices[i].mode = mode
	return nil
}

func (m *MockInspector) DeviceName(i int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkIndex(i); err != nil {
		return "", err
	}
	if err := m.checkFailOp(i, "device_name"); err != nil {
		return "", err
	}
	return m.devices[i].name, nil
}

func (m *MockInspector) Close() error { return nil }

func (m *MockInspector) checkIndex(i int) error {
	if i < 0 || i >= len(m.devices) {
		return &DriverError{DeviceIndex: i, Op: "index", Cause: fmt.Errorf("device index out of range")}
	}
	return nil
}

// checkFailOp returns a simulated *DriverError if SetDriverError armed op on
// device i. Caller must already hold m.mu.
func (m *MockInspector) checkFailOp(i int, op string) error {
	if m.devices[i].failOp == op {
		return &DriverError{DeviceIndex: i, Op: op, Cause: fmt.Errorf("simulated driver failure")}
	}
	return nil
}

// SetFree lets tests pin a device's free memory directly, e.g. to exercise
// the mem_size admission filter.
func (m *MockInspector) SetFree(i int, free uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= 0 && i < len(m.devices) {
		m.devices[i].freeBytes = free
	}
}

// SetProcessCount lets tests simulate an externally-launched compute
// process showing up on a device the broker doesn't know about.
func (m *MockInspector) SetProcessCount(i, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= 0 && i < len(m.devices) {
		m.devices[i].processCount = count
	}
}

// SetName lets tests pin a device's reported product name, e.g. to exercise
// vendor/tier classification in system info.
func (m *MockInspector) SetName(i int, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= 0 && i < len(m.devices) {
		m.devices[i].name = name
	}
}

// SetDriverError arms device i so every call to the named operation
// ("mem_info", "process_count", "get_compute_mode", "set_compute_mode", or
// "device_name") fails with a *DriverError until it is disarmed, driving
// fatal-classification tests without a real failing driver. Pass op == ""
// to disarm.
func (m *MockInspector) SetDriverError(i int, op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= 0 && i < len(m.devices) {
		m.devices[i].failOp = op
	}
}
