// Command broker runs the GPU allocation broker: it accepts the TCP wire
// protocol on config.Server.ListenHost:ListenPort and, if enabled, an admin
// HTTP surface on a separate listener.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aiserve/gpubroker/internal/admin"
	"github.com/aiserve/gpubroker/internal/adminauth"
	"github.com/aiserve/gpubroker/internal/audit"
	"github.com/aiserve/gpubroker/internal/broker"
	"github.com/aiserve/gpubroker/internal/config"
	"github.com/aiserve/gpubroker/internal/engine"
	"github.com/aiserve/gpubroker/internal/events"
	"github.com/aiserve/gpubroker/internal/gpu"
	"github.com/aiserve/gpubroker/internal/holder"
	"github.com/aiserve/gpubroker/internal/logging"
	"github.com/aiserve/gpubroker/internal/middleware"
	"github.com/aiserve/gpubroker/internal/registry"
	"github.com/aiserve/gpubroker/internal/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	brokerLog, err := logging.NewBrokerLogger(cfg.Logging.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	logging.InitBrokerLogger(brokerLog)
	defer brokerLog.Close()

	logging.InitStructuredLogger("gpubroker", logging.LogLevel(cfg.Logging.Level))

	backends := gpu.DetectBackends()
	brokerLog.Infof("detected compute backends: %s", gpu.GetBackendInfo(backends))

	if available := gpu.GetAvailableBackend(backends); cfg.GPU.Inspector == "nvml-smi" && available != gpu.BackendCUDA {
		brokerLog.Warnf("nvml-smi inspector configured but no CUDA backend was detected (found %q); nvidia-smi probe may fail", available)
	}

	resilienceSettings := resilience.Settings{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          cfg.Resilience.CircuitBreakerTimeout,
		FailureThreshold: cfg.Resilience.CircuitBreakerFailureThreshold,
		MinRequests:      cfg.Resilience.CircuitBreakerMinRequests,
	}

	inspector, err := buildInspector(cfg, resilienceSettings)
	if err != nil {
		brokerLog.Errorf("startup: %v", err)
		os.Exit(1)
	}

	holderPath := cfg.Server.HolderPath
	if holderPath == "" {
		holderPath = defaultHolderPath()
	}
	supervisor := holder.New(holderPath, resilienceSettings)

	reg := registry.New()
	eng := engine.New(inspector, holderSupervisor{supervisor}, reg, brokerLog)

	if auditSink, err := audit.New(cfg.Audit); err != nil {
		brokerLog.Errorf("audit: %v", err)
	} else {
		eng.WithAudit(auditSink)
		defer auditSink.Close()
	}

	eventsPublisher := events.New(cfg.Events)
	eng.WithEvents(eventsPublisher)
	defer eventsPublisher.Close()

	// On startup, reset every device's compute-mode to DEFAULT so a prior
	// crashed run can never leave a device stuck in EXCLUSIVE_PROCESS.
	eng.ResetAllDevices()

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.ListenHost, cfg.Server.ListenPort))
	if err != nil {
		brokerLog.Errorf("listen: %v", err)
		os.Exit(1)
	}
	brokerLog.Infof("wire endpoint listening on %s", listener.Addr())

	brk := broker.New(listener, eng, brokerLog, cfg.Reaper.Interval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A *gpu.DriverError anywhere (idle scan, compute-mode flip, reaper
	// restore) means the driver session itself is suspect, not just the one
	// request that surfaced it: release everything and stop the broker
	// rather than let the next request retry against a wedged driver.
	eng.WithFatalHandler(func(err error) {
		brokerLog.Errorf("fatal driver error, cleaning up and shutting down: %v", err)
		eng.ResetAllDevices()
		if err := inspector.Close(); err != nil {
			brokerLog.Errorf("close inspector: %v", err)
		}
		cancel()
	})

	if cfg.Admin.Enabled {
		issuer := adminauth.NewTokenIssuer(cfg.Admin.JWTSecret, 12*time.Hour)
		var limiter *middleware.RateLimiter
		if cfg.Events.RedisEnabled {
			limiter = middleware.NewRateLimiter(redis.NewClient(&redis.Options{
				Addr:     cfg.Events.RedisHost + ":" + strconv.Itoa(cfg.Events.RedisPort),
				Password: cfg.Events.RedisPass,
				DB:       cfg.Events.RedisDB,
			}))
		}
		breakerStats := func() map[string]resilience.BreakerStats {
			stats := supervisor.BreakerStats()
			if withBreaker, ok := inspector.(interface {
				BreakerStats() map[string]resilience.BreakerStats
			}); ok {
				for k, v := range withBreaker.BreakerStats() {
					stats[k] = v
				}
			}
			return stats
		}
		adminSrv := admin.NewServer(eng, issuer, eventsPublisher.WebSocketHub(), limiter, breakerStats)
		go func() {
			brokerLog.Infof("admin surface listening on %s", cfg.Admin.ListenAddr)
			if err := adminSrv.ListenAndServe(cfg.Admin.ListenAddr); err != nil {
				brokerLog.Errorf("admin surface: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		brokerLog.Infof("shutdown signal received, cleaning up")
		eng.ResetAllDevices()
		if err := inspector.Close(); err != nil {
			brokerLog.Errorf("close inspector: %v", err)
		}
		cancel()
	}()

	if err := brk.Run(ctx); err != nil {
		brokerLog.Errorf("broker: %v", err)
		os.Exit(1)
	}
}

// holderSupervisor adapts *holder.Supervisor's concrete *holder.Handle
// signatures to engine.Supervisor's registry.Holder-typed one.
type holderSupervisor struct {
	s *holder.Supervisor
}

func (a holderSupervisor) Spawn(i int, exclusive bool) (registry.Holder, error) {
	return a.s.Spawn(i, exclusive)
}

func (a holderSupervisor) Stop(h registry.Holder) error {
	handle, ok := h.(*holder.Handle)
	if !ok {
		return fmt.Errorf("holderSupervisor: unexpected holder type %T", h)
	}
	return a.s.Stop(handle)
}

func buildInspector(cfg *config.Config, settings resilience.Settings) (gpu.Inspector, error) {
	switch cfg.GPU.Inspector {
	case "mock":
		return gpu.NewMockInspector(cfg.GPU.MockDeviceCount, 16*1024*1024*1024), nil
	case "nvml-smi":
		return gpu.NewNVMLSmiInspector(settings)
	default:
		return nil, fmt.Errorf("unknown GPU inspector backend %q", cfg.GPU.Inspector)
	}
}

func defaultHolderPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "holder"
	}
	candidate := filepath.Join(filepath.Dir(exe), "holder")
	if _, err := exec.LookPath(candidate); err == nil {
		return candidate
	}
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return "holder"
}
