package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"carepulse-ingest/internal/models"
)

func reading(patient string, hr float64) *models.Reading {
	return &models.Reading{
		Hospital: "1",
		Dept:     "dept_2",
		Ward:     "ward_2",
		Patient:  patient,
		Vitals:   models.Vitals{"heart_rate": hr},
	}
}

func TestAppend_EvictsOldest(t *testing.T) {
	s := NewRollingStore(0)

	for i := 0; i < 150; i++ {
		s.Append(reading("7", float64(i)))
	}

	key := reading("7", 0).StoreKey()
	require.Equal(t, DefaultCapacity, s.Len(key))

	// 只剩最新的100条：50..149
	history := s.History("7")
	require.Len(t, history, DefaultCapacity)
	require.Equal(t, float64(50), history[0].Vitals["heart_rate"])
	require.Equal(t, float64(149), history[len(history)-1].Vitals["heart_rate"])
}

func TestSnapshot_LatestPerKey(t *testing.T) {
	s := NewRollingStore(10)
	s.Append(reading("7", 70))
	s.Append(reading("7", 71))
	s.Append(reading("8", 90))

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, float64(71), snap[reading("7", 0).StoreKey()].Vitals["heart_rate"])
	require.Equal(t, float64(90), snap[reading("8", 0).StoreKey()].Vitals["heart_rate"])
}

func TestPatients_Dedup(t *testing.T) {
	s := NewRollingStore(10)
	s.Append(reading("7", 70))
	s.Append(&models.Reading{Hospital: "2", Dept: "dept_1", Ward: "ward_1", Patient: "7"})
	s.Append(reading("8", 80))

	patients := s.Patients()
	require.ElementsMatch(t, []string{"7", "8"}, patients)
	require.Equal(t, 3, s.Keys())
}

func TestHistory_MergesAcrossKeys(t *testing.T) {
	s := NewRollingStore(10)
	s.Append(reading("7", 70))
	s.Append(&models.Reading{Hospital: "2", Dept: "dept_1", Ward: "ward_1", Patient: "7", Vitals: models.Vitals{"heart_rate": 75}})

	require.Len(t, s.History("7"), 2)
	require.Empty(t, s.History("404"))
}

func TestAppend_Concurrent(t *testing.T) {
	s := NewRollingStore(50)

	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 100; i++ {
				s.Append(reading(fmt.Sprintf("p%d", g), float64(i)))
			}
		}(g)
	}
	for g := 0; g < 8; g++ {
		<-done
	}

	require.Equal(t, 8, s.Keys())
	for g := 0; g < 8; g++ {
		require.Len(t, s.History(fmt.Sprintf("p%d", g)), 50)
	}
}
