package simulator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateVitals_WithinPhysiologicalRanges(t *testing.T) {
	for i := 0; i < 100; i++ {
		vitals := GenerateVitals()
		require.Len(t, vitals, len(vitalRanges))

		for _, r := range vitalRanges {
			value, ok := vitals[r.Field]
			require.True(t, ok, r.Field)
			require.GreaterOrEqual(t, value, r.Min, r.Field)
			require.LessOrEqual(t, value, r.Max, r.Field)
		}
	}
}

func TestGenerateVitals_OneDecimalPrecision(t *testing.T) {
	vitals := GenerateVitals()
	for field, value := range vitals {
		scaled := value * 10
		require.InDelta(t, math.Round(scaled), scaled, 1e-9, field)
	}
}
