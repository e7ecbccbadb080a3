package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemoryBudget_TierTable(t *testing.T) {
	assert.Equal(t, uint64(minBudgetBytes), MemoryBudget(2*giB)) // 20% of 2 GiB is under the 512 MiB floor
	assert.Equal(t, uint64(8*giB)*35/100, MemoryBudget(8*giB))
	assert.Equal(t, min64(uint64(16*giB)*40/100, 6*giB), MemoryBudget(16*giB))
	assert.Equal(t, min64(uint64(64*giB)*30/100, 12*giB), MemoryBudget(64*giB))
}

func TestMemoryBudget_FloorAppliedForTinySystems(t *testing.T) {
	budget := MemoryBudget(1 << 20) // 1 MiB total, tier math would be far under the floor
	assert.Equal(t, uint64(minBudgetBytes), budget)
}

func TestCurrentPressure_Thresholds(t *testing.T) {
	budget := uint64(1000)
	assert.Equal(t, PressureNone, CurrentPressure(0, budget))
	assert.Equal(t, PressureNone, CurrentPressure(490, budget))
	assert.Equal(t, PressureElevated, CurrentPressure(500, budget))
	assert.Equal(t, PressureElevated, CurrentPressure(640, budget))
	assert.Equal(t, PressureHigh, CurrentPressure(650, budget))
	assert.Equal(t, PressureHigh, CurrentPressure(790, budget))
	assert.Equal(t, PressureCritical, CurrentPressure(800, budget))
	assert.Equal(t, PressureCritical, CurrentPressure(2000, budget))
}

func TestCurrentPressure_ZeroBudgetIsCritical(t *testing.T) {
	assert.Equal(t, PressureCritical, CurrentPressure(0, 0))
}

func TestCurrentProcessMemory_ReturnsNonZero(t *testing.T) {
	assert.Greater(t, CurrentProcessMemory(), uint64(0))
}

func TestTotalSystemMemory_ReturnsPlausibleValue(t *testing.T) {
	assert.Greater(t, TotalSystemMemory(), uint64(0))
}
