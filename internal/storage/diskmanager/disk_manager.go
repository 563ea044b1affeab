package diskmanager

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/devrev/pairdb/account-server/internal/validation"
)

// DiskManager guards the devices under a root: it answers whether a device is
// mounted and tracks per-device space so writes can be refused on a full disk.
type DiskManager struct {
	root          string
	mountCheck    bool
	logger        *zap.Logger
	checkInterval time.Duration

	// Thresholds
	warningThreshold        float64 // Start warning at this percentage (e.g., 80%)
	circuitBreakerThreshold float64 // Refuse writes at this percentage (e.g., 98%)

	mu      sync.Mutex
	devices map[string]*deviceState
}

type deviceState struct {
	lastCheck        time.Time
	usagePercent     float64
	availableBytes   uint64
	totalBytes       uint64
	isCircuitBroken  bool
	warned           bool
	lastMountedState *bool
}

// DiskManagerConfig holds configuration for disk manager
type DiskManagerConfig struct {
	Root                    string
	MountCheck              bool
	CheckInterval           time.Duration
	WarningThreshold        float64
	CircuitBreakerThreshold float64
}

// NewDiskManager creates a new disk manager with specified thresholds
func NewDiskManager(cfg *DiskManagerConfig, logger *zap.Logger) (*DiskManager, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("devices root is required")
	}

	return &DiskManager{
		root:                    cfg.Root,
		mountCheck:              cfg.MountCheck,
		logger:                  logger,
		checkInterval:           cfg.CheckInterval,
		warningThreshold:        cfg.WarningThreshold,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
		devices:                 make(map[string]*deviceState),
	}, nil
}

// DefaultConfig returns default disk manager configuration
func DefaultConfig(root string) *DiskManagerConfig {
	return &DiskManagerConfig{
		Root:                    root,
		MountCheck:              true,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        80.0,
		CircuitBreakerThreshold: 98.0,
	}
}

// CheckMount reports whether root/device is usable. With mount checking off
// every device counts as mounted.
func (dm *DiskManager) CheckMount(device string) bool {
	if !dm.mountCheck {
		return true
	}
	if !validation.ValidateDeviceName(device) {
		return false
	}

	mounted, err := IsMount(filepath.Join(dm.root, device))
	if err != nil {
		dm.logger.Warn("Mount check failed",
			zap.String("device", device),
			zap.Error(err))
		mounted = false
	}
	dm.recordMountState(device, mounted)
	return mounted
}

func (dm *DiskManager) recordMountState(device string, mounted bool) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	st := dm.state(device)
	if st.lastMountedState != nil && *st.lastMountedState == mounted {
		return
	}
	if !mounted {
		dm.logger.Error("Device is not mounted", zap.String("device", device))
	} else if st.lastMountedState != nil {
		dm.logger.Info("Device mounted again", zap.String("device", device))
	}
	st.lastMountedState = &mounted
}

// IsMount reports whether path is a mount point: a directory that is not a
// symlink and either lives on a different device than its parent or is the
// filesystem root.
func IsMount(path string) (bool, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT == unix.S_IFLNK {
		return false, nil
	}

	var parent unix.Stat_t
	if err := unix.Lstat(filepath.Join(path, ".."), &parent); err != nil {
		return false, fmt.Errorf("failed to stat parent of %s: %w", path, err)
	}
	if st.Dev != parent.Dev {
		return true, nil
	}
	return st.Ino == parent.Ino, nil
}

// CheckBeforeWrite checks if a write of the given size can land on device
// Returns an error if write should be rejected
func (dm *DiskManager) CheckBeforeWrite(device string, estimatedBytes uint64) error {
	stats, err := dm.Usage(device)
	if err != nil {
		// Missing device directories are reported by the mount check.
		return nil
	}

	if stats.IsCircuitBroken {
		return &DiskSpaceError{
			Code:            ErrCodeDiskFull,
			Device:          device,
			Message:         fmt.Sprintf("disk usage at %.2f%%, circuit breaker engaged", stats.UsagePercent),
			UsagePercent:    stats.UsagePercent,
			AvailableBytes:  stats.AvailableBytes,
			IsCircuitBroken: true,
		}
	}

	if estimatedBytes > stats.AvailableBytes {
		return &DiskSpaceError{
			Code:           ErrCodeInsufficientSpace,
			Device:         device,
			Message:        fmt.Sprintf("insufficient space: need %d bytes, have %d bytes", estimatedBytes, stats.AvailableBytes),
			UsagePercent:   stats.UsagePercent,
			AvailableBytes: stats.AvailableBytes,
		}
	}

	return nil
}

// Usage returns cached usage statistics for device, refreshing them when stale
func (dm *DiskManager) Usage(device string) (DiskUsageStats, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	st := dm.state(device)
	if st.lastCheck.IsZero() || time.Since(st.lastCheck) > dm.checkInterval {
		if err := dm.checkDiskSpace(device, st); err != nil {
			return DiskUsageStats{}, err
		}
	}

	return DiskUsageStats{
		Device:          device,
		UsagePercent:    st.usagePercent,
		AvailableBytes:  st.availableBytes,
		TotalBytes:      st.totalBytes,
		IsCircuitBroken: st.isCircuitBroken,
		LastCheck:       st.lastCheck,
	}, nil
}

// ForceCheck forces an immediate disk space check of device
func (dm *DiskManager) ForceCheck(device string) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.checkDiskSpace(device, dm.state(device))
}

// Must be called with mu held
func (dm *DiskManager) state(device string) *deviceState {
	st, ok := dm.devices[device]
	if !ok {
		st = &deviceState{}
		dm.devices[device] = st
	}
	return st
}

// checkDiskSpace checks current disk usage and updates state
// Must be called with mu held
func (dm *DiskManager) checkDiskSpace(device string, st *deviceState) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(filepath.Join(dm.root, device), &stat); err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	// Calculate usage
	totalBytes := stat.Blocks * uint64(stat.Bsize)
	availableBytes := stat.Bavail * uint64(stat.Bsize)
	usagePercent := 0.0
	if totalBytes > 0 {
		usagePercent = (float64(totalBytes-availableBytes) / float64(totalBytes)) * 100.0
	}

	st.usagePercent = usagePercent
	st.availableBytes = availableBytes
	st.totalBytes = totalBytes
	st.lastCheck = time.Now()

	previouslyBroken := st.isCircuitBroken
	st.isCircuitBroken = dm.circuitBreakerThreshold > 0 && usagePercent >= dm.circuitBreakerThreshold

	// Log state changes
	if st.isCircuitBroken && !previouslyBroken {
		dm.logger.Error("Disk circuit breaker ENGAGED",
			zap.String("device", device),
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes),
			zap.Float64("threshold", dm.circuitBreakerThreshold))
	} else if !st.isCircuitBroken && previouslyBroken {
		dm.logger.Info("Disk circuit breaker DISENGAGED",
			zap.String("device", device),
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes))
	}

	warn := dm.warningThreshold > 0 && usagePercent >= dm.warningThreshold && !st.isCircuitBroken
	if warn && !st.warned {
		dm.logger.Warn("Disk usage warning",
			zap.String("device", device),
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes),
			zap.Float64("warning_threshold", dm.warningThreshold))
	}
	st.warned = warn

	return nil
}

// DiskUsageStats contains disk usage statistics
type DiskUsageStats struct {
	Device          string
	UsagePercent    float64
	AvailableBytes  uint64
	TotalBytes      uint64
	IsCircuitBroken bool
	LastCheck       time.Time
}

// Error codes for disk space errors
type ErrorCode int

const (
	ErrCodeDiskFull ErrorCode = iota + 1
	ErrCodeInsufficientSpace
)

// DiskSpaceError represents a disk space related error
type DiskSpaceError struct {
	Code            ErrorCode
	Device          string
	Message         string
	UsagePercent    float64
	AvailableBytes  uint64
	IsCircuitBroken bool
}

func (e *DiskSpaceError) Error() string {
	return e.Message
}

// IsDiskSpaceError checks if an error is a disk space error
func IsDiskSpaceError(err error) bool {
	var dse *DiskSpaceError
	return errors.As(err, &dse)
}

// IsCircuitBroken checks if the error indicates circuit breaker is engaged
func IsCircuitBroken(err error) bool {
	var dse *DiskSpaceError
	if errors.As(err, &dse) {
		return dse.IsCircuitBroken
	}
	return false
}
