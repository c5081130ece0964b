// Package budget provides per-kapsule-type resource limits and their
// enforcement checks for sandboxed execution.
package budget

import (
	"fmt"
	"time"
)

// Deterministic error codes for resource limit violations.
const (
	ErrHostCallsExhausted = "ERR_HOST_CALLS_EXHAUSTED"
	ErrTimeExhausted      = "ERR_TIME_EXHAUSTED"
	ErrMemoryExhausted    = "ERR_MEMORY_EXHAUSTED"
)

// PageSize is the WebAssembly linear memory page size.
const PageSize = 64 * 1024

// MaxPages is the largest page count a 32-bit memory can declare.
const MaxPages = 65536

// Limits bounds one sandbox instance.
type Limits struct {
	MemoryPages    uint32  `json:"memory_pages" yaml:"memory_pages" toml:"memory_pages"`
	CallTimeoutMs  int64   `json:"call_timeout_ms" yaml:"call_timeout_ms" toml:"call_timeout_ms"`
	InitTimeoutMs  int64   `json:"init_timeout_ms" yaml:"init_timeout_ms" toml:"init_timeout_ms"`
	HostCallBudget uint64  `json:"host_call_budget" yaml:"host_call_budget" toml:"host_call_budget"`
	LogRatePerSec  float64 `json:"log_rate_per_sec" yaml:"log_rate_per_sec" toml:"log_rate_per_sec"`
	LogBurst       int     `json:"log_burst" yaml:"log_burst" toml:"log_burst"`
}

// DefaultLimits returns the host defaults: 16 MiB of memory, 2s per call,
// 500ms for initialization and 100k host calls per instance.
func DefaultLimits() Limits {
	return Limits{
		MemoryPages:    256,
		CallTimeoutMs:  2000,
		InitTimeoutMs:  500,
		HostCallBudget: 100_000,
		LogRatePerSec:  20,
		LogBurst:       5,
	}
}

// WithDefaults fills zero fields from DefaultLimits.
func (l Limits) WithDefaults() Limits { return l.Inherit(DefaultLimits()) }

// Inherit fills zero fields of l from d.
func (l Limits) Inherit(d Limits) Limits {
	if l.MemoryPages == 0 {
		l.MemoryPages = d.MemoryPages
	}
	if l.CallTimeoutMs == 0 {
		l.CallTimeoutMs = d.CallTimeoutMs
	}
	if l.InitTimeoutMs == 0 {
		l.InitTimeoutMs = d.InitTimeoutMs
	}
	if l.HostCallBudget == 0 {
		l.HostCallBudget = d.HostCallBudget
	}
	if l.LogRatePerSec == 0 {
		l.LogRatePerSec = d.LogRatePerSec
	}
	if l.LogBurst == 0 {
		l.LogBurst = d.LogBurst
	}
	return l
}

// Validate rejects limits that cannot be enforced.
func (l Limits) Validate() error {
	switch {
	case l.MemoryPages > MaxPages:
		return fmt.Errorf("budget: memory_pages %d exceeds %d", l.MemoryPages, MaxPages)
	case l.CallTimeoutMs < 0:
		return fmt.Errorf("budget: call_timeout_ms must be positive")
	case l.InitTimeoutMs < 0:
		return fmt.Errorf("budget: init_timeout_ms must be positive")
	case l.LogRatePerSec < 0 || l.LogBurst < 0:
		return fmt.Errorf("budget: log rate must be positive")
	}
	return nil
}

func (l Limits) CallTimeout() time.Duration { return time.Duration(l.CallTimeoutMs) * time.Millisecond }
func (l Limits) InitTimeout() time.Duration { return time.Duration(l.InitTimeoutMs) * time.Millisecond }

// MemoryLimitBytes is the memory ceiling in bytes.
func (l Limits) MemoryLimitBytes() int64 { return int64(l.MemoryPages) * PageSize }

// ExceededError is a typed limit violation.
type ExceededError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Limit    int64  `json:"limit"`
	Consumed int64  `json:"consumed"`
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s: %s (limit=%d, consumed=%d)", e.Code, e.Message, e.Limit, e.Consumed)
}

// CheckHostCalls returns an error once consumed passes the host-call budget.
func CheckHostCalls(l Limits, consumed uint64) error {
	if consumed > l.HostCallBudget {
		return &ExceededError{
			Code:     ErrHostCallsExhausted,
			Message:  "host call budget exceeded",
			Limit:    int64(l.HostCallBudget),
			Consumed: int64(consumed),
		}
	}
	return nil
}

// CheckTime returns an error if elapsed passes the call timeout.
func CheckTime(l Limits, elapsed time.Duration) error {
	if elapsed.Milliseconds() > l.CallTimeoutMs {
		return &ExceededError{
			Code:     ErrTimeExhausted,
			Message:  "call time limit exceeded",
			Limit:    l.CallTimeoutMs,
			Consumed: elapsed.Milliseconds(),
		}
	}
	return nil
}

// CheckMemoryPages returns an error if a module declares more initial pages
// than the ceiling allows.
func CheckMemoryPages(l Limits, declared uint32) error {
	if declared > l.MemoryPages {
		return &ExceededError{
			Code:     ErrMemoryExhausted,
			Message:  "declared memory exceeds ceiling",
			Limit:    int64(l.MemoryPages),
			Consumed: int64(declared),
		}
	}
	return nil
}
