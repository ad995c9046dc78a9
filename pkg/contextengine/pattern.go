package contextengine

import (
	"sort"

	"github.com/datasleuth/datasleuth/pkg/models"
)

const (
	spikeFactor  = 3.0
	extendFactor = 2.0
	dropFactor   = 0.5
	maxSeverity  = 10.0
)

// DetectPattern runs spike/drop detection on a daily series ordered by
// date. The baseline is the median of the first three days. A day above
// 3x baseline is a spike; the interval extends over adjacent days above
// 2x. A day below 0.5x baseline is a drop. Spikes win over drops when
// both occur.
//
// useNullRate selects the null-rate series instead of row counts.
func DetectPattern(daily []models.DailyMetric, useNullRate bool) *models.TimeSeriesPattern {
	if len(daily) == 0 {
		return nil
	}
	values := make([]float64, len(daily))
	for i, d := range daily {
		if useNullRate {
			values[i] = d.NullRate
		} else {
			values[i] = float64(d.Total)
		}
	}

	baseline := medianOfFirst(values, 3)
	if baseline <= 0 {
		return nil
	}

	maxIdx, minIdx := 0, 0
	for i, v := range values {
		if v > values[maxIdx] {
			maxIdx = i
		}
		if v < values[minIdx] {
			minIdx = i
		}
	}

	if values[maxIdx] > spikeFactor*baseline {
		start, end := maxIdx, maxIdx
		for start > 0 && values[start-1] > extendFactor*baseline {
			start--
		}
		for end < len(values)-1 && values[end+1] > extendFactor*baseline {
			end++
		}
		severity := (values[maxIdx] - baseline) / baseline
		if severity > maxSeverity {
			severity = maxSeverity
		}
		return &models.TimeSeriesPattern{
			Kind:     models.PatternSpike,
			Baseline: baseline,
			Extreme:  values[maxIdx],
			Severity: severity,
			Start:    daily[start].Date,
			End:      daily[end].Date,
			Daily:    daily,
		}
	}

	if values[minIdx] < dropFactor*baseline {
		return &models.TimeSeriesPattern{
			Kind:     models.PatternDrop,
			Baseline: baseline,
			Extreme:  values[minIdx],
			Severity: (baseline - values[minIdx]) / baseline,
			Start:    daily[minIdx].Date,
			End:      daily[minIdx].Date,
			Daily:    daily,
		}
	}
	return nil
}

// medianOfFirst takes the median of the first n values, or of all of
// them when fewer exist.
func medianOfFirst(values []float64, n int) float64 {
	if len(values) < n {
		n = len(values)
	}
	head := make([]float64, n)
	copy(head, values[:n])
	sort.Float64s(head)
	return head[n/2]
}
