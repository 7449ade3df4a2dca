// Package readiness tracks whether the node may run a given command: startup
// warmup, safe mode and the wallet unlock window.
package readiness

import (
	"sync"
	"time"

	"rubin.dev/rpcnode/rpc"
	"rubin.dev/rpcnode/rpc/registry"
)

// DefaultWarmupExempt are the commands answered while the node is still
// loading.
var DefaultWarmupExempt = []string{"help", "uptime", "stop", "getrpcinfo"}

type Option func(*State)

// WithNow replaces the wall clock used for wallet expiry.
func WithNow(now func() time.Time) Option {
	return func(s *State) {
		if now != nil {
			s.now = now
		}
	}
}

func WithWarmupExempt(names ...string) Option {
	return func(s *State) {
		s.warmupExempt = toSet(names)
	}
}

// State is the process-wide readiness value. Every field is guarded by mu,
// which is never held while a handler or hook runs.
type State struct {
	mu sync.Mutex

	warming      bool
	warmupStatus string
	warmupExempt map[string]struct{}

	safeMode        bool
	safeModeReason  string
	safeModeAllowed map[string]struct{}

	walletEncrypted bool
	walletDeadline  time.Time
	relockHooks     []func()

	now      func() time.Time
	mockTime time.Time
}

func New(opts ...Option) *State {
	s := &State{
		warming:         true,
		warmupStatus:    "Loading...",
		warmupExempt:    toSet(DefaultWarmupExempt),
		safeModeAllowed: map[string]struct{}{},
		walletEncrypted: true,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the mock time when one is set, else the configured clock.
func (s *State) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowLocked()
}

func (s *State) nowLocked() time.Time {
	if !s.mockTime.IsZero() {
		return s.mockTime
	}
	return s.now()
}

// SetMockTime pins Now to t. The zero time restores the real clock.
func (s *State) SetMockTime(t time.Time) {
	s.mu.Lock()
	s.mockTime = t
	s.mu.Unlock()
}

// SetWarmupStatus updates the progress text reported to rejected callers. It
// has no effect once warmup finished.
func (s *State) SetWarmupStatus(status string) {
	s.mu.Lock()
	if s.warming {
		s.warmupStatus = status
	}
	s.mu.Unlock()
}

// SetWarmupFinished moves the node to Ready. There is no way back.
func (s *State) SetWarmupFinished() {
	s.mu.Lock()
	s.warming = false
	s.warmupStatus = ""
	s.mu.Unlock()
}

func (s *State) Warmup() (warming bool, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warming, s.warmupStatus
}

func (s *State) SetSafeMode(on bool, reason string) {
	s.mu.Lock()
	s.safeMode = on
	if on {
		s.safeModeReason = reason
	} else {
		s.safeModeReason = ""
	}
	s.mu.Unlock()
}

func (s *State) SafeMode() (on bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.safeMode, s.safeModeReason
}

// SetSafeModeAllowed replaces the set of commands that run in safe mode
// regardless of their own flag.
func (s *State) SetSafeModeAllowed(names ...string) {
	s.mu.Lock()
	s.safeModeAllowed = toSet(names)
	s.mu.Unlock()
}

// SetWalletEncrypted tells the gate whether a passphrase protects the wallet.
// An unencrypted wallet is never locked.
func (s *State) SetWalletEncrypted(encrypted bool) {
	s.mu.Lock()
	s.walletEncrypted = encrypted
	s.mu.Unlock()
}

// UnlockWallet opens the wallet until deadline. A later call replaces the
// deadline.
func (s *State) UnlockWallet(deadline time.Time) {
	s.mu.Lock()
	s.walletDeadline = deadline
	s.mu.Unlock()
}

// LockWallet clears the deadline and runs the relock hooks.
func (s *State) LockWallet() {
	s.mu.Lock()
	hooks := s.relockLocked()
	s.mu.Unlock()
	runHooks(hooks)
}

// LockWalletAt locks the wallet only while its deadline is still deadline.
// A relock timer scheduled for an older unlock does nothing once a newer
// unlock has replaced the deadline.
func (s *State) LockWalletAt(deadline time.Time) bool {
	s.mu.Lock()
	if s.walletDeadline.IsZero() || !s.walletDeadline.Equal(deadline) {
		s.mu.Unlock()
		return false
	}
	hooks := s.relockLocked()
	s.mu.Unlock()
	runHooks(hooks)
	return true
}

// OnRelock registers fn to run every time the wallet locks, explicitly or on
// expiry. Hooks wipe key material held by the wallet.
func (s *State) OnRelock(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.relockHooks = append(s.relockHooks, fn)
	s.mu.Unlock()
}

// WalletUnlocked reports whether wallet commands may run now, re-locking the
// wallet when its deadline passed.
func (s *State) WalletUnlocked() bool {
	s.mu.Lock()
	unlocked, hooks := s.walletCheckLocked()
	s.mu.Unlock()
	runHooks(hooks)
	return unlocked
}

func (s *State) WalletDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walletDeadline
}

func (s *State) walletCheckLocked() (bool, []func()) {
	if !s.walletEncrypted {
		return true, nil
	}
	if s.walletDeadline.IsZero() {
		return false, nil
	}
	if s.nowLocked().After(s.walletDeadline) {
		return false, s.relockLocked()
	}
	return true, nil
}

func (s *State) relockLocked() []func() {
	s.walletDeadline = time.Time{}
	return append([]func(){}, s.relockHooks...)
}

// Check applies the gates to spec in order: warmup, safe mode, wallet lock.
// The first gate that blocks decides the returned error.
func (s *State) Check(spec registry.CommandSpec) error {
	s.mu.Lock()
	if s.warming {
		if _, ok := s.warmupExempt[spec.Name]; !ok {
			status := s.warmupStatus
			s.mu.Unlock()
			return rpc.InWarmup(status)
		}
	}
	if s.safeMode && !spec.OKSafeMode {
		if _, ok := s.safeModeAllowed[spec.Name]; !ok {
			reason := s.safeModeReason
			s.mu.Unlock()
			return rpc.ForbiddenInSafeMode(reason)
		}
	}
	if !spec.RequiresWallet {
		s.mu.Unlock()
		return nil
	}
	unlocked, hooks := s.walletCheckLocked()
	s.mu.Unlock()
	runHooks(hooks)
	if !unlocked {
		return rpc.WalletLocked()
	}
	return nil
}

// Snapshot is a consistent copy of the state for status commands.
type Snapshot struct {
	Warming        bool      `json:"warming"`
	WarmupStatus   string    `json:"warmup_status,omitempty"`
	SafeMode       bool      `json:"safe_mode"`
	SafeModeReason string    `json:"safe_mode_reason,omitempty"`
	WalletUnlocked bool      `json:"wallet_unlocked"`
	UnlockedUntil  time.Time `json:"unlocked_until,omitzero"`
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	unlocked, hooks := s.walletCheckLocked()
	snap := Snapshot{
		Warming:        s.warming,
		WarmupStatus:   s.warmupStatus,
		SafeMode:       s.safeMode,
		SafeModeReason: s.safeModeReason,
		WalletUnlocked: unlocked,
		UnlockedUntil:  s.walletDeadline,
	}
	s.mu.Unlock()
	runHooks(hooks)
	return snap
}

func runHooks(hooks []func()) {
	for _, h := range hooks {
		h()
	}
}

func toSet(names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}
