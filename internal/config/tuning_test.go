package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTuningConfigIsValid(t *testing.T) {
	require.NoError(t, validateTuning(DefaultTuningConfig()))
}

func TestValidateTuning(t *testing.T) {
	base := DefaultTuningConfig()

	cfg := base
	cfg.Reconciler.RunInterval = 0
	assert.Error(t, validateTuning(cfg))

	cfg = base
	cfg.Reconciler.OrphanBatchSize = -1
	assert.Error(t, validateTuning(cfg))

	cfg = base
	cfg.Renewal.VerificationDelay = 0
	assert.Error(t, validateTuning(cfg))

	cfg = base
	cfg.Renewal.SweepBatchSize = 0
	assert.Error(t, validateTuning(cfg))
}

func TestStaticTuningHolder(t *testing.T) {
	cfg := DefaultTuningConfig()
	cfg.Reconciler.RunInterval = 5 * time.Minute

	holder := NewStaticTuningHolder(cfg)
	assert.Equal(t, 5*time.Minute, holder.Current().Reconciler.RunInterval)
}
