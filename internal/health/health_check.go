package health

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/account-server/internal/model"
	"github.com/devrev/pairdb/account-server/internal/storage/diskmanager"
)

const (
	statusHealthy  = "healthy"
	statusWarning  = "warning"
	statusCritical = "critical"
)

// UsageObserver receives the usage of every checked device
type UsageObserver interface {
	ObserveDiskUsage(stats diskmanager.DiskUsageStats)
}

// HealthChecker periodically checks the devices under the devices root
type HealthChecker struct {
	nodeID         string
	root           string
	interval       time.Duration
	warningPercent float64
	diskManager    *diskmanager.DiskManager
	observer       UsageObserver
	logger         *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	devices     []model.DeviceHealth
	livenessOK  bool
	readinessOK bool
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID         string
	Root           string
	Interval       time.Duration
	WarningPercent float64
}

// NewHealthChecker creates a new health checker. observer may be nil.
func NewHealthChecker(cfg *HealthCheckConfig, dm *diskmanager.DiskManager, observer UsageObserver, logger *zap.Logger) *HealthChecker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthChecker{
		nodeID:         cfg.NodeID,
		root:           cfg.Root,
		interval:       interval,
		warningPercent: cfg.WarningPercent,
		diskManager:    dm,
		observer:       observer,
		logger:         logger,
		livenessOK:     true,
		status:         model.NodeStatusHealthy,
	}
}

// Start runs checks until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks()

	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks checks every device once and updates the node status
func (h *HealthChecker) RunChecks() {
	devices, err := h.listDevices()
	if err != nil {
		h.logger.Error("Failed to list devices", zap.String("root", h.root), zap.Error(err))
	}

	results := make([]model.DeviceHealth, 0, len(devices))
	usable := 0
	degraded := false
	for _, device := range devices {
		result := h.checkDevice(device)
		results = append(results, result)
		switch result.Status {
		case statusHealthy:
			usable++
		case statusWarning:
			usable++
			degraded = true
		default:
			degraded = true
		}
	}

	if fds := checkFileDescriptors(); fds.Status != statusHealthy {
		degraded = true
		results = append(results, fds)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	h.devices = results
	h.readinessOK = usable > 0
	switch {
	case usable == 0:
		h.status = model.NodeStatusUnhealthy
	case degraded:
		h.status = model.NodeStatusDegraded
	default:
		h.status = model.NodeStatusHealthy
	}

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Int("usable_devices", usable),
		zap.Bool("readiness", h.readinessOK))
}

func (h *HealthChecker) listDevices() ([]string, error) {
	entries, err := os.ReadDir(h.root)
	if err != nil {
		return nil, err
	}
	var devices []string
	for _, e := range entries {
		if e.IsDir() {
			devices = append(devices, e.Name())
		}
	}
	sort.Strings(devices)
	return devices, nil
}

func (h *HealthChecker) checkDevice(device string) model.DeviceHealth {
	result := model.DeviceHealth{Device: device}

	if !h.diskManager.CheckMount(device) {
		result.Status = statusCritical
		result.Message = "not mounted"
		return result
	}
	result.Mounted = true

	if err := h.diskManager.ForceCheck(device); err != nil {
		result.Status = statusCritical
		result.Message = err.Error()
		return result
	}
	stats, err := h.diskManager.Usage(device)
	if err != nil {
		result.Status = statusCritical
		result.Message = err.Error()
		return result
	}
	if h.observer != nil {
		h.observer.ObserveDiskUsage(stats)
	}
	result.UsagePercent = stats.UsagePercent

	switch {
	case stats.IsCircuitBroken:
		result.Status = statusCritical
		result.Message = fmt.Sprintf("Disk usage critical: %.2f%%", stats.UsagePercent)
	case h.warningPercent > 0 && stats.UsagePercent >= h.warningPercent:
		result.Status = statusWarning
		result.Message = fmt.Sprintf("Disk usage high: %.2f%%", stats.UsagePercent)
	default:
		result.Status = statusHealthy
	}
	return result
}

// checkFileDescriptors reports high descriptor usage. It reads /proc and is
// healthy where that is unavailable.
func checkFileDescriptors() model.DeviceHealth {
	result := model.DeviceHealth{Device: "file_descriptors", Mounted: true, Status: statusHealthy}

	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil || rlimit.Cur == 0 {
		return result
	}
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return result
	}

	openFDs := uint64(len(entries))
	usagePercent := float64(openFDs) / float64(rlimit.Cur) * 100
	result.UsagePercent = usagePercent
	if usagePercent > 90 {
		result.Status = statusWarning
		result.Message = fmt.Sprintf("File descriptor usage high: %.2f%% (%d/%d)", usagePercent, openFDs, rlimit.Cur)
	}
	return result
}

// IsLive returns whether the node is live (liveness probe)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the node is ready (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	devices := make([]model.DeviceHealth, len(h.devices))
	copy(devices, h.devices)
	return model.HealthStatus{
		NodeID:    h.nodeID,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
		Devices:   devices,
	}
}

// SetReadiness manually sets readiness status (for graceful shutdown)
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}
