package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// MonitorState is the safe-mode monitor's view of the node.
type MonitorState int32

const (
	MonitorNormal   MonitorState = 0 // checks pass, all commands allowed
	MonitorSafeMode MonitorState = 1 // threshold reached, unsafe commands refused
)

func (s MonitorState) String() string {
	switch s {
	case MonitorNormal:
		return "NORMAL"
	case MonitorSafeMode:
		return "SAFE_MODE"
	default:
		return "UNKNOWN"
	}
}

// CheckFunc reports an anomaly as a non-nil error. The error text becomes the
// safe-mode reason.
type CheckFunc func(ctx context.Context) error

// SafeModeSetter is the readiness state as seen by the monitor.
type SafeModeSetter interface {
	SetSafeMode(on bool, reason string)
}

// ParseSafeModeCheck builds a check from its config form:
//
//	file:<path>     anomaly while path exists; its first line is the reason
//	http(s)://...   anomaly unless GET answers 2xx
func ParseSafeModeCheck(spec string) (CheckFunc, error) {
	switch {
	case strings.HasPrefix(spec, "file:"):
		path := strings.TrimPrefix(spec, "file:")
		if path == "" {
			return nil, errors.New("safe_mode_check: file path required")
		}
		return fileCheck(path), nil
	case strings.HasPrefix(spec, "http://"), strings.HasPrefix(spec, "https://"):
		return httpCheck(spec, &http.Client{Timeout: 5 * time.Second}), nil
	default:
		return nil, fmt.Errorf("safe_mode_check: unsupported %q", spec)
	}
}

func fileCheck(path string) CheckFunc {
	return func(context.Context) error {
		raw, err := readFileByPath(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		reason, _, _ := strings.Cut(strings.TrimSpace(string(raw)), "\n")
		if reason == "" {
			reason = "halt file present"
		}
		return errors.New(reason)
	}
}

func httpCheck(url string, client *http.Client) CheckFunc {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("health probe: %w", err)
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("health probe: status %d", resp.StatusCode)
		}
		return nil
	}
}

// SafeModeMonitor runs a periodic check and drives safe mode: threshold
// consecutive failures enter it, one success leaves it.
type SafeModeMonitor struct {
	interval  time.Duration
	threshold int
	check     CheckFunc
	target    SafeModeSetter
	log       *zap.Logger

	state     atomic.Int32
	mu        sync.Mutex
	failCount int
	since     time.Time
}

func NewSafeModeMonitor(interval time.Duration, threshold int, check CheckFunc, target SafeModeSetter, log *zap.Logger) *SafeModeMonitor {
	if log == nil {
		log = zap.NewNop()
	}
	if threshold <= 0 {
		threshold = 1
	}
	return &SafeModeMonitor{
		interval:  interval,
		threshold: threshold,
		check:     check,
		target:    target,
		log:       log,
	}
}

func (m *SafeModeMonitor) State() MonitorState {
	return MonitorState(m.state.Load())
}

// Run blocks until ctx is canceled.
func (m *SafeModeMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *SafeModeMonitor) tick(ctx context.Context) {
	err := m.check(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.State()
	if err == nil {
		if current != MonitorNormal {
			m.log.Info("safe mode cleared",
				zap.String("from", current.String()),
				zap.String("to", MonitorNormal.String()),
				zap.Duration("duration", time.Since(m.since)))
			m.target.SetSafeMode(false, "")
		}
		m.failCount = 0
		m.state.Store(int32(MonitorNormal))
		return
	}

	m.failCount++
	m.log.Warn("safe mode check failed",
		zap.Int("fail_count", m.failCount),
		zap.Int("threshold", m.threshold),
		zap.Error(err))

	if current == MonitorNormal && m.failCount >= m.threshold {
		m.since = time.Now()
		m.state.Store(int32(MonitorSafeMode))
		m.log.Warn("entering safe mode",
			zap.String("from", current.String()),
			zap.String("to", MonitorSafeMode.String()),
			zap.String("reason", err.Error()))
		m.target.SetSafeMode(true, err.Error())
		return
	}
	if current == MonitorSafeMode {
		// keep the reason current while the anomaly persists
		m.target.SetSafeMode(true, err.Error())
	}
}
