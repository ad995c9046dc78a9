package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validAlert() AnomalyAlert {
	return AnomalyAlert{
		DatasetID:     "public.orders",
		MetricSpec:    MetricSpec{Kind: "row_count"},
		AnomalyType:   AnomalyTypeRowCount,
		ExpectedValue: 1000,
		ActualValue:   500,
		DeviationPct:  50,
		AnomalyDate:   "2024-01-15",
		Severity:      SeverityHigh,
	}
}

func TestAlertValidate(t *testing.T) {
	require.NoError(t, validAlert().Validate())

	tests := []struct {
		name   string
		mutate func(*AnomalyAlert)
	}{
		{"missing dataset", func(a *AnomalyAlert) { a.DatasetID = "" }},
		{"missing anomaly type", func(a *AnomalyAlert) { a.AnomalyType = "" }},
		{"negative deviation", func(a *AnomalyAlert) { a.DeviationPct = -12.5 }},
		{"malformed date", func(a *AnomalyAlert) { a.AnomalyDate = "15/01/2024" }},
		{"missing date", func(a *AnomalyAlert) { a.AnomalyDate = "" }},
		{"bad severity", func(a *AnomalyAlert) { a.Severity = "catastrophic" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := validAlert()
			tt.mutate(&a)
			assert.Error(t, a.Validate())
		})
	}
}
