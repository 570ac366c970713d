package gpu

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/aiserve/gpubroker/internal/resilience"
)

// NVMLSmiInspector implements Inspector by shelling out to nvidia-smi for
// per-device query/control fields. compute-mode writes go through
// nvidia-smi -c, which requires the driver to support it (Tesla/datacenter
// cards; consumer cards return a permission-denied-shaped error that this
// wrapper classifies as PermissionDeniedError).
//
// Every nvidia-smi invocation runs through a circuit breaker: this is the
// one component that shells out to an external binary on every call, so a
// hung or missing nvidia-smi is exactly the failure mode the breaker exists
// to contain rather than retry-storm.
type NVMLSmiInspector struct {
	mu            sync.Mutex
	deviceCount   int
	driverVersion string
	breaker       *resilience.CircuitBreaker
}

// NewNVMLSmiInspector probes nvidia-smi once at construction to learn the
// device count and driver version. cmd/broker only warns when
// DetectBackends finds no CUDA backend; it is this probe failing that
// stops the broker from starting with this inspector. settings
// configures the breaker tripped by repeated nvidia-smi failures.
func NewNVMLSmiInspector(settings resilience.Settings) (*NVMLSmiInspector, error) {
	out, err := exec.Command("nvidia-smi", "--query-gpu=index,driver_version", "--format=csv,noheader").Output()
	if err != nil {
		return nil, fmt.Errorf("gpu: nvidia-smi probe failed: %w", err)
	}
	lines := splitNonEmpty(string(out))
	if len(lines) == 0 {
		return nil, fmt.Errorf("gpu: nvidia-smi reported zero devices")
	}
	first := strings.Split(lines[0], ",")
	driverVersion := "unknown"
	if len(first) >= 2 {
		driverVersion = strings.TrimSpace(first[1])
	}
	return &NVMLSmiInspector{
		deviceCount:   len(lines),
		driverVersion: driverVersion,
		breaker:       resilience.NewCircuitBreaker(settings),
	}, nil
}

// run shells out to nvidia-smi with args, through the circuit breaker keyed
// by op. A tripped breaker is reported as a DriverError: a wedged driver is
// exactly as fatal to the broker as any other non-permission nvidia-smi
// failure.
func (n *NVMLSmiInspector) run(i int, op string, args ...string) ([]byte, error) {
	result, err := n.breaker.Execute("nvidia-smi-"+op, func() (interface{}, error) {
		return exec.Command("nvidia-smi", args...).Output()
	})
	if err != nil {
		if err == resilience.ErrCircuitOpen {
			return nil, &DriverError{DeviceIndex: i, Op: op, Cause: err}
		}
		return nil, n.classify(i, op, err)
	}
	return result.([]byte), nil
}

// BreakerStats reports the per-operation circuit breaker counters, surfaced
// on the admin HTTP surface.
func (n *NVMLSmiInspector) BreakerStats() map[string]resilience.BreakerStats {
	return n.breaker.GetStats()
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, l := range strings.Split(strings.TrimSpace(s), "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

func (n *NVMLSmiInspector) DeviceCount() int { return n.deviceCount }

func (n *NVMLSmiInspector) DriverVersion() string { return n.driverVersion }

func (n *NVMLSmiInspector) RunningProcessCount(i int) (int, error) {
	out, err := n.run(i, "running_process_count", "--query-compute-apps=pid", "--format=csv,noheader", "-i", strconv.Itoa(i))
	if err != nil {
		return 0, err
	}
	return len(splitNonEmpty(string(out))), nil
}

func (n *NVMLSmiInspector) MemInfo(i int) (free, total uint64, err error) {
	out, err := n.run(i, "mem_info", "--query-gpu=memory.free,memory.total", "--format=csv,noheader,nounits", "-i", strconv.Itoa(i))
	if err != nil {
		return 0, 0, err
	}
	parts := strings.Split(strings.TrimSpace(string(out)), ",")
	if len(parts) != 2 {
		return 0, 0, &DriverError{DeviceIndex: i, Op: "mem_info", Cause: fmt.Errorf("unexpected nvidia-smi output %q", out)}
	}
	freeMiB, err1 := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
	totalMiB, err2 := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, &DriverError{DeviceIndex: i, Op: "mem_info", Cause: fmt.Errorf("unparseable nvidia-smi output %q", out)}
	}
	const mib = 1024 * 1024
	return freeMiB * mib, totalMiB * mib, nil
}

func (n *NVMLSmiInspector) GetComputeMode(i int) (ComputeMode, error) {
	out, err := n.run(i, "get_compute_mode", "--query-gpu=compute_mode", "--format=csv,noheader", "-i", strconv.Itoa(i))
	if err != nil {
		return "", err
	}
	mode := strings.TrimSpace(string(out))
	if strings.Contains(strings.ToLower(mode), "exclusive") {
		return ComputeModeExclusive, nil
	}
	return ComputeModeDefault, nil
}

func (n *NVMLSmiInspector) SetComputeMode(i int, mode ComputeMode) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	current, err := n.GetComputeMode(i)
	if err != nil {
		return err
	}
	if current == mode {
		return nil
	}

	flag := "0" // DEFAULT
	if mode == ComputeModeExclusive {
		flag = "3" // EXCLUSIVE_PROCESS, per nvidia-smi -c numbering
	}
	// Output(), not Run(): classify() needs *exec.ExitError.Stderr to tell a
	// permission-denied failure apart from anything else, and only Output()
	// populates it.
	if _, err := n.run(i, "set_compute_mode", "-i", strconv.Itoa(i), "-c", flag); err != nil {
		return err
	}
	return nil
}

func (n *NVMLSmiInspector) DeviceName(i int) (string, error) {
	out, err := n.run(i, "device_name", "--query-gpu=name", "--format=csv,noheader", "-i", strconv.Itoa(i))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (n *NVMLSmiInspector) Close() error { return nil }

// classify distinguishes permission-denied failures from every other driver
// error. nvidia-smi surfaces permission problems as a nonzero exit with
// "Insufficient Permissions" in stderr; anything else is DriverOther.
func (n *NVMLSmiInspector) classify(i int, op string, err error) error {
	if exitErr, ok := err.(*exec.ExitError); ok {
		if strings.Contains(strings.ToLower(string(exitErr.Stderr)), "insufficient permission") {
			return &PermissionDeniedError{DeviceIndex: i, Op: op, Cause: err}
		}
	}
	return &DriverError{DeviceIndex: i, Op: op, Cause: err}
}
