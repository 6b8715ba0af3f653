package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/AngelCh415/adspend-attribution/internal/models"
)

type Config struct {
	Port        string        `envconfig:"PORT" default:"8080"`
	HTTPTimeout time.Duration `envconfig:"HTTP_TIMEOUT" default:"15s"`
	LogLevel    string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string        `envconfig:"LOG_FORMAT" default:"json"`
	Timezone    string        `envconfig:"TIMEZONE" default:"Asia/Almaty"`

	DatabaseURL string `envconfig:"DATABASE_URL"`
	RedisURL    string `envconfig:"REDIS_URL"`

	// Webhook gate
	AcceptedPipelineIDs   []int64           `envconfig:"ACCEPTED_PIPELINE_IDS" default:"9777626,9430994"`
	PipelineProducts      map[string]string `envconfig:"PIPELINE_PRODUCTS" default:"9777626:challenge3d,9430994:challenge3d,10350882:express"`
	SalePipelineIDs       []int64           `envconfig:"SALE_PIPELINE_IDS" default:"9430994,10350882"`
	PrepaymentPipelineIDs []int64           `envconfig:"PREPAYMENT_PIPELINE_IDS" default:"9430994"`
	SuccessStatusID       int64             `envconfig:"SUCCESS_STATUS_ID" default:"142"`
	DedupWindow           time.Duration     `envconfig:"DEDUP_WINDOW" default:"5m"`
	DedupPurgeInterval    time.Duration     `envconfig:"DEDUP_PURGE_INTERVAL" default:"1m"`
	LocalCurrency         string            `envconfig:"LOCAL_CURRENCY" default:"KZT"`

	CRMBaseURL     string `envconfig:"CRM_BASE_URL"`
	CRMAccessToken string `envconfig:"CRM_ACCESS_TOKEN"`

	// Ad platform
	AdsBaseURL     string        `envconfig:"ADS_BASE_URL" default:"https://graph.facebook.com/v21.0"`
	AdsAccessToken string        `envconfig:"ADS_ACCESS_TOKEN"`
	AdsChunkSize   int           `envconfig:"ADS_CHUNK_SIZE" default:"50"`
	AdsMaxRetries  int           `envconfig:"ADS_MAX_RETRIES" default:"3"`
	AdsRetryBase   time.Duration `envconfig:"ADS_RETRY_BASE" default:"500ms"`

	// Sync engine
	SyncLookbackDays    int           `envconfig:"SYNC_LOOKBACK_DAYS" default:"2"`
	SyncDefaultDaysBack int           `envconfig:"SYNC_DEFAULT_DAYS_BACK" default:"14"`
	SyncIncludeToday    bool          `envconfig:"SYNC_INCLUDE_TODAY" default:"true"`
	SyncInterval        time.Duration `envconfig:"SYNC_INTERVAL" default:"1h"`
	SyncUserDelay       time.Duration `envconfig:"SYNC_USER_DELAY" default:"1s"`
	SyncWarmCache       bool          `envconfig:"SYNC_WARM_CACHE" default:"true"`
	SyncLockTTL         time.Duration `envconfig:"SYNC_LOCK_TTL" default:"10m"`

	// Aggregation engine
	AggregationInterval   time.Duration `envconfig:"AGGREGATION_INTERVAL" default:"10m"`
	AggregationStartDelay time.Duration `envconfig:"AGGREGATION_START_DELAY" default:"5s"`

	// Attribution
	AttributionCacheTTL  time.Duration     `envconfig:"ATTRIBUTION_CACHE_TTL" default:"5m"`
	AttributionCacheSize int               `envconfig:"ATTRIBUTION_CACHE_SIZE" default:"512"`
	AccountTeams         map[string]string `envconfig:"ACCOUNT_TEAMS" default:"act_964264512447589:Kenesary,act_666059476005255:Arystan,act_839340528712304:Muha,act_30779210298344970:Traf4"`
}

func FromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to process env config")
	}
	if cfg.SyncLookbackDays < 0 {
		return Config{}, errors.New("SYNC_LOOKBACK_DAYS must be >= 0")
	}
	if cfg.SyncDefaultDaysBack < 1 {
		cfg.SyncDefaultDaysBack = 1
	}
	if cfg.AdsChunkSize <= 0 {
		cfg.AdsChunkSize = 50
	}
	if _, err := cfg.ProductsByPipeline(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c Config) Level() log.Level {
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// ProductsByPipeline parses PIPELINE_PRODUCTS into typed keys.
func (c Config) ProductsByPipeline() (map[int64]models.FunnelType, error) {
	out := make(map[int64]models.FunnelType, len(c.PipelineProducts))
	for k, v := range c.PipelineProducts {
		id, err := strconv.ParseInt(strings.TrimSpace(k), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad pipeline id %q in PIPELINE_PRODUCTS", k)
		}
		ft := models.FunnelType(strings.ToLower(strings.TrimSpace(v)))
		if !ft.Valid() {
			return nil, errors.Errorf("unknown product %q for pipeline %d", v, id)
		}
		out[id] = ft
	}
	return out, nil
}
