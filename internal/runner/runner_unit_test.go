package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRenderTemplate(t *testing.T) {
	inputs := map[string]any{
		"topic":    "observability",
		"audience": "SREs",
		"count":    3,
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"single placeholder",
			"Write about {{topic}}.",
			"Write about observability.",
		},
		{
			"repeated and mixed placeholders",
			"{{count}} takes on {{topic}} for {{audience}}, focused on {{topic}}",
			"3 takes on observability for SREs, focused on observability",
		},
		{
			"unknown placeholder left alone",
			"Mention {{product}} explicitly.",
			"Mention {{product}} explicitly.",
		},
		{
			"no placeholders",
			"Plain instructions.",
			"Plain instructions.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, renderTemplate(tt.in, inputs))
		})
	}
}

func TestRenderTemplate_NoInputs(t *testing.T) {
	assert.Equal(t, "Write about {{topic}}.", renderTemplate("Write about {{topic}}.", nil))
}

func TestNewAppliesDefaults(t *testing.T) {
	svc := New(Config{})

	assert.Equal(t, 2*time.Minute, svc.stageTimeout)
	assert.Equal(t, time.Second, svc.retryBase)
	assert.Equal(t, 2, svc.retryFactor)
	assert.Equal(t, 3, svc.maxAttempts)
	assert.Equal(t, 2, svc.maxRevise)
	assert.Equal(t, 16, cap(svc.sem))
}

func TestNewKeepsExplicitZeroReviseLoops(t *testing.T) {
	svc := New(Config{MaxReviseLoops: 0})
	assert.Equal(t, 2, svc.maxRevise, "zero value falls back to the default; per-stage max_retries disables revising")

	svc = New(Config{MaxConcurrent: 4, StageTimeout: 30 * time.Second, MaxAttempts: 1})
	assert.Equal(t, 4, cap(svc.sem))
	assert.Equal(t, 30*time.Second, svc.stageTimeout)
	assert.Equal(t, 1, svc.maxAttempts)
}
