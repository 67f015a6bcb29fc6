package app

import (
	"testing"

	"github.com/openmux/llm-relay/internal/models"
)

// Only services whose key capabilities drift over time are worth re-probing;
// GCP and Google AI keys are classified once and left alone.
func TestRecurringProbesPerService(t *testing.T) {
	tests := []struct {
		svc  models.Service
		want bool
	}{
		{models.OpenAI, true},
		{models.Anthropic, true},
		{models.AWS, true},
		{models.GCP, false},
		{models.GoogleAI, false},
		{models.Azure, false},
		{models.Mistral, false},
	}
	for _, tt := range tests {
		if got := recurringProbes(tt.svc); got != tt.want {
			t.Errorf("recurringProbes(%s) = %v, want %v", tt.svc, got, tt.want)
		}
	}
}
