package scan

import (
	"log/slog"

	"github.com/shirou/gopsutil/v3/mem"
)

// Budget defaults: half of available memory, clamped to [64 KiB, 64 MiB].
const (
	DefaultBudgetFraction = 0.5
	DefaultMinBudget      = 64 << 10
	DefaultMaxBudget      = 64 << 20
)

// DefaultBudget returns the digest buffer size: fraction of the memory
// currently available, clamped to [min, max]. If available memory cannot be
// read, min is used.
func DefaultBudget(fraction float64, min, max int) int {
	vm, err := mem.VirtualMemory()
	if err != nil {
		slog.Warn("read available memory, using minimum buffer", "error", err, "bytes", min)
		return clampBudget(0, fraction, min, max)
	}
	return clampBudget(vm.Available, fraction, min, max)
}

func clampBudget(available uint64, fraction float64, min, max int) int {
	if min <= 0 {
		min = DefaultMinBudget
	}
	if max < min {
		max = min
	}
	want := float64(available) * fraction
	switch {
	case want < float64(min):
		return min
	case want > float64(max):
		return max
	default:
		return int(want)
	}
}
