package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wolfman30/slotkeeper/internal/apperr"
)

func TestIsLate(t *testing.T) {
	start := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	p := Default("prov-1")

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"well before threshold", start.Add(-48 * time.Hour), false},
		{"exactly at threshold", start.Add(-24 * time.Hour), false},
		{"one second inside threshold", start.Add(-24*time.Hour + time.Second), true},
		{"after start", start.Add(time.Hour), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.IsLate(start, tt.now))
		})
	}
}

func TestZeroThresholdIsNeverLateBeforeStart(t *testing.T) {
	start := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	p := Policy{ProviderID: "prov-1", ThresholdHours: 0}
	assert.False(t, p.IsLate(start, start.Add(-time.Minute)))
	assert.True(t, p.IsLate(start, start.Add(time.Minute)))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Default("prov-1").Validate())
	assert.ErrorIs(t, Policy{ThresholdHours: 24}.Validate(), apperr.ErrInvalidInput)
	assert.ErrorIs(t, Policy{ProviderID: "p", ThresholdHours: -1}.Validate(), apperr.ErrInvalidInput)
	assert.ErrorIs(t, Policy{ProviderID: "p", ThresholdHours: 24 * 31}.Validate(), apperr.ErrInvalidInput)
}
