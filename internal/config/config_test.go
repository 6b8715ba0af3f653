package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AngelCh415/adspend-attribution/internal/models"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 5*time.Minute, cfg.DedupWindow)
	assert.Equal(t, 2, cfg.SyncLookbackDays)
	assert.Equal(t, 50, cfg.AdsChunkSize)
	assert.Equal(t, []int64{9777626, 9430994}, cfg.AcceptedPipelineIDs)
	assert.Equal(t, "Muha", cfg.AccountTeams["act_839340528712304"])

	products, err := cfg.ProductsByPipeline()
	require.NoError(t, err)
	assert.Equal(t, models.FunnelChallenge3D, products[9777626])
	assert.Equal(t, models.FunnelExpress, products[10350882])
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("SYNC_LOOKBACK_DAYS", "3")
	t.Setenv("ACCOUNT_TEAMS", "act_1:Kenesary,act_2:Arystan")
	t.Setenv("TIMEZONE", "UTC")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.SyncLookbackDays)
	assert.Equal(t, "Arystan", cfg.AccountTeams["act_2"])
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestFromEnvRejectsUnknownProduct(t *testing.T) {
	t.Setenv("PIPELINE_PRODUCTS", "1:webinar")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestLocationFallsBackToUTC(t *testing.T) {
	cfg := Config{Timezone: "Nowhere/Invalid"}
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestProductsByPipelineRejectsBadID(t *testing.T) {
	cfg := Config{PipelineProducts: map[string]string{"abc": "express"}}
	_, err := cfg.ProductsByPipeline()
	assert.Error(t, err)
}
