package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Exchange    ExchangeConfig
	Strategy    StrategyConfig
	Ledger      LedgerConfig
	Executor    ExecutorConfig
	Gates       GatesConfig
	Policy      PolicyConfig
	RateLimit   RateLimitConfig
	Reconcile   ReconcileConfig
	Attribution AttributionConfig
	Status      StatusConfig
	Runtime     RuntimeConfig
}

type ExchangeConfig struct {
	BaseUrl      string `validate:"required,url"`
	WSUrl        string `validate:"required"`
	ClientID     string
	ClientSecret string
	Currency     string `validate:"required"`
	// Venue supports linked (OCO/OTO) orders for futures.
	LinkedOrdersCapable bool

	// InstrumentCacheTTL bounds the age of instrument metadata before risk degrades.
	InstrumentCacheTTL time.Duration `validate:"gt=0"`
}

type StrategyConfig struct {
	ID                  string   `validate:"required"`
	Instruments         []string `validate:"required,min=1,dive,required"`
	HedgeInstrument     string
	EnableLinkedOrders  bool
	DeltaLimit          float64 `validate:"gte=0"`
	MinEdgeUSD          float64 `validate:"gte=0"`
	InventorySkewK      float64 `validate:"gte=0"`
	InventoryPenaltyMax int     `validate:"gte=0,lte=255"`
}

type LedgerConfig struct {
	Path string `validate:"required"`
	// Fsync every append before the order leaves the process.
	RequireFsyncBeforeDispatch bool
	MaxInFlight                int `validate:"gte=0"`
	SQLitePath                 string
}

type ExecutorConfig struct {
	QtyEpsilon        float64       `validate:"gt=0"`
	RescueAttempts    int           `validate:"gte=0,lte=2"`
	RescueOffsetTicks []int         `validate:"dive,gt=0"`
	CloseAttempts     int           `validate:"gte=1,lte=3"`
	CloseBufferTicks  int           `validate:"gt=0"`
	HedgeMaxQty       float64       `validate:"gte=0"`
	ChurnMaxFlattens  int           `validate:"gt=0"`
	ChurnWindow       time.Duration `validate:"gt=0"`
	ChurnBlacklist    time.Duration `validate:"gt=0"`
	DispatchTimeout   time.Duration `validate:"gt=0"`
}

type GatesConfig struct {
	MaxSlippageBps      float64       `validate:"gt=0"`
	L2MaxAge            time.Duration `validate:"gt=0"`
	FeeSoftStale        time.Duration `validate:"gt=0"`
	FeeHardStale        time.Duration `validate:"gtfield=FeeSoftStale"`
	FeeStaleBuffer      float64       `validate:"gte=0"`
	ContractsTolerance  float64       `validate:"gt=0"`
	ExpiryDelistBuffer  time.Duration `validate:"gte=0"`
	GlobalDeltaLimitUSD float64       `validate:"gt=0"`
	MarginRejectOpens   float64       `validate:"gt=0,lte=1"`
	MarginReduceOnly    float64       `validate:"gtfield=MarginRejectOpens,lte=1"`
	MarginKill          float64       `validate:"gtfield=MarginReduceOnly,lte=1"`
}

type PolicyConfig struct {
	Tick          time.Duration `validate:"gt=0"`
	MaxPolicyAge  time.Duration `validate:"gt=0"`
	WatchdogKill  time.Duration `validate:"gt=0"`
	CertPath      string        `validate:"required"`
	CertFreshness time.Duration `validate:"gt=0"`
	PolicyPath    string
	BunkerJitter  time.Duration `validate:"gt=0"`
	HealthStale   time.Duration `validate:"gt=0"`
}

type RateLimitConfig struct {
	Rate             float64       `validate:"gt=0"`
	Burst            float64       `validate:"gte=1"`
	DataReserve      float64       `validate:"gte=0,lte=1"`
	OpenReserve      float64       `validate:"gte=0,ltefield=DataReserve"`
	RefreshInterval  time.Duration `validate:"gt=0"`
	FailureTripCount int           `validate:"gt=0"`
	FailureWindow    time.Duration `validate:"gt=0"`
	ReconnectMin     time.Duration `validate:"gt=0"`
	ReconnectMax     time.Duration `validate:"gtfield=ReconnectMin"`
}

type ReconcileConfig struct {
	Interval        time.Duration `validate:"gte=5s,lte=10s"`
	TradeLookback   time.Duration `validate:"gt=0"`
	StaleOrder      time.Duration `validate:"gt=0"`
	PositionEpsilon float64       `validate:"gt=0"`
	ZombieSilence   time.Duration `validate:"gt=0"`
}

type AttributionConfig struct {
	QueueSize   int `validate:"gt=0"`
	File        string
	RedisAddr   string
	RedisStream string
}

type StatusConfig struct {
	Listen          string `validate:"required"`
	BuildID         string
	ContractVersion string
}

type RuntimeConfig struct {
	DryRun bool
	Log    LogConfig
}

type LogConfig struct {
	Level      string `validate:"omitempty,oneof=debug info warn error fatal panic"`
	Format     string `validate:"omitempty,oneof=text json"`
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.base_url", "https://www.deribit.com")
	v.SetDefault("exchange.ws_url", "wss://www.deribit.com/ws/api/v2")
	v.SetDefault("exchange.currency", "BTC")
	v.SetDefault("exchange.instrument_cache_ttl", 3600*time.Second)

	v.SetDefault("strategy.id", "legguard")
	v.SetDefault("strategy.min_edge_usd", 1.0)
	v.SetDefault("strategy.inventory_skew_k", 0.5)
	v.SetDefault("strategy.inventory_penalty_max", 3)

	v.SetDefault("ledger.path", "data/ledger.jsonl")
	v.SetDefault("ledger.max_in_flight", 256)

	v.SetDefault("executor.qty_epsilon", 1e-9)
	v.SetDefault("executor.rescue_attempts", 2)
	v.SetDefault("executor.rescue_offset_ticks", []int{2, 4})
	v.SetDefault("executor.close_attempts", 3)
	v.SetDefault("executor.close_buffer_ticks", 5)
	v.SetDefault("executor.churn_max_flattens", 2)
	v.SetDefault("executor.churn_window", 5*time.Minute)
	v.SetDefault("executor.churn_blacklist", 15*time.Minute)
	v.SetDefault("executor.dispatch_timeout", 5*time.Second)

	v.SetDefault("gates.max_slippage_bps", 10.0)
	v.SetDefault("gates.l2_max_age", time.Second)
	v.SetDefault("gates.fee_soft_stale", 300*time.Second)
	v.SetDefault("gates.fee_hard_stale", 900*time.Second)
	v.SetDefault("gates.fee_stale_buffer", 0.20)
	v.SetDefault("gates.contracts_tolerance", 0.001)
	v.SetDefault("gates.expiry_delist_buffer", 60*time.Second)
	v.SetDefault("gates.global_delta_limit_usd", 250000.0)
	v.SetDefault("gates.margin_reject_opens", 0.70)
	v.SetDefault("gates.margin_reduce_only", 0.85)
	v.SetDefault("gates.margin_kill", 0.95)

	v.SetDefault("policy.tick", 250*time.Millisecond)
	v.SetDefault("policy.max_policy_age", 300*time.Second)
	v.SetDefault("policy.watchdog_kill", 10*time.Second)
	v.SetDefault("policy.cert_path", "artifacts/certification.json")
	v.SetDefault("policy.cert_freshness", 86400*time.Second)
	v.SetDefault("policy.bunker_jitter", 2000*time.Millisecond)
	v.SetDefault("policy.health_stale", 180*time.Second)

	v.SetDefault("rate_limit.rate", 5.0)
	v.SetDefault("rate_limit.burst", 10.0)
	v.SetDefault("rate_limit.data_reserve", 0.5)
	v.SetDefault("rate_limit.open_reserve", 0.25)
	v.SetDefault("rate_limit.refresh_interval", 60*time.Second)
	v.SetDefault("rate_limit.failure_trip_count", 3)
	v.SetDefault("rate_limit.failure_window", 300*time.Second)
	v.SetDefault("rate_limit.reconnect_min", time.Second)
	v.SetDefault("rate_limit.reconnect_max", 60*time.Second)

	v.SetDefault("reconcile.interval", 5*time.Second)
	v.SetDefault("reconcile.trade_lookback", 300*time.Second)
	v.SetDefault("reconcile.stale_order", 30*time.Second)
	v.SetDefault("reconcile.position_epsilon", 1e-6)
	v.SetDefault("reconcile.zombie_silence", 15*time.Second)

	v.SetDefault("attribution.queue_size", 1024)
	v.SetDefault("attribution.redis_stream", "legguard:incidents")

	v.SetDefault("status.listen", "127.0.0.1:8088")
	v.SetDefault("status.contract_version", "1")

	v.SetDefault("runtime.log.level", "info")
	v.SetDefault("runtime.log.format", "text")
	v.SetDefault("runtime.log.max_size", 100)
	v.SetDefault("runtime.log.max_backups", 5)
	v.SetDefault("runtime.log.max_age", 14)
}

func Load() (*Config, error) {
	v := viper.New()
	v.AddConfigPath("configs")
	v.SetConfigName("config")
	v.SetEnvPrefix("LEGGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("Не удалось прочитать конфигурацию: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper builds the config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	cfg.Exchange = ExchangeConfig{
		BaseUrl:             v.GetString("exchange.base_url"),
		WSUrl:               v.GetString("exchange.ws_url"),
		ClientID:            envSub(v, "exchange.client_id"),
		ClientSecret:        envSub(v, "exchange.client_secret"),
		Currency:            v.GetString("exchange.currency"),
		LinkedOrdersCapable: v.GetBool("exchange.linked_orders_capable"),
		InstrumentCacheTTL:  v.GetDuration("exchange.instrument_cache_ttl"),
	}

	cfg.Strategy = StrategyConfig{
		ID:                  v.GetString("strategy.id"),
		Instruments:         v.GetStringSlice("strategy.instruments"),
		HedgeInstrument:     v.GetString("strategy.hedge_instrument"),
		EnableLinkedOrders:  v.GetBool("strategy.enable_linked_orders"),
		DeltaLimit:          v.GetFloat64("strategy.delta_limit"),
		MinEdgeUSD:          v.GetFloat64("strategy.min_edge_usd"),
		InventorySkewK:      v.GetFloat64("strategy.inventory_skew_k"),
		InventoryPenaltyMax: v.GetInt("strategy.inventory_penalty_max"),
	}

	cfg.Ledger = LedgerConfig{
		Path:                       v.GetString("ledger.path"),
		RequireFsyncBeforeDispatch: v.GetBool("ledger.require_fsync_before_dispatch"),
		MaxInFlight:                v.GetInt("ledger.max_in_flight"),
		SQLitePath:                 v.GetString("ledger.sqlite_path"),
	}

	cfg.Executor = ExecutorConfig{
		QtyEpsilon:        v.GetFloat64("executor.qty_epsilon"),
		RescueAttempts:    v.GetInt("executor.rescue_attempts"),
		RescueOffsetTicks: v.GetIntSlice("executor.rescue_offset_ticks"),
		CloseAttempts:     v.GetInt("executor.close_attempts"),
		CloseBufferTicks:  v.GetInt("executor.close_buffer_ticks"),
		HedgeMaxQty:       v.GetFloat64("executor.hedge_max_qty"),
		ChurnMaxFlattens:  v.GetInt("executor.churn_max_flattens"),
		ChurnWindow:       v.GetDuration("executor.churn_window"),
		ChurnBlacklist:    v.GetDuration("executor.churn_blacklist"),
		DispatchTimeout:   v.GetDuration("executor.dispatch_timeout"),
	}

	cfg.Gates = GatesConfig{
		MaxSlippageBps:      v.GetFloat64("gates.max_slippage_bps"),
		L2MaxAge:            v.GetDuration("gates.l2_max_age"),
		FeeSoftStale:        v.GetDuration("gates.fee_soft_stale"),
		FeeHardStale:        v.GetDuration("gates.fee_hard_stale"),
		FeeStaleBuffer:      v.GetFloat64("gates.fee_stale_buffer"),
		ContractsTolerance:  v.GetFloat64("gates.contracts_tolerance"),
		ExpiryDelistBuffer:  v.GetDuration("gates.expiry_delist_buffer"),
		GlobalDeltaLimitUSD: v.GetFloat64("gates.global_delta_limit_usd"),
		MarginRejectOpens:   v.GetFloat64("gates.margin_reject_opens"),
		MarginReduceOnly:    v.GetFloat64("gates.margin_reduce_only"),
		MarginKill:          v.GetFloat64("gates.margin_kill"),
	}

	cfg.Policy = PolicyConfig{
		Tick:          v.GetDuration("policy.tick"),
		MaxPolicyAge:  v.GetDuration("policy.max_policy_age"),
		WatchdogKill:  v.GetDuration("policy.watchdog_kill"),
		CertPath:      v.GetString("policy.cert_path"),
		CertFreshness: v.GetDuration("policy.cert_freshness"),
		PolicyPath:    v.GetString("policy.policy_path"),
		BunkerJitter:  v.GetDuration("policy.bunker_jitter"),
		HealthStale:   v.GetDuration("policy.health_stale"),
	}

	cfg.RateLimit = RateLimitConfig{
		Rate:             v.GetFloat64("rate_limit.rate"),
		Burst:            v.GetFloat64("rate_limit.burst"),
		DataReserve:      v.GetFloat64("rate_limit.data_reserve"),
		OpenReserve:      v.GetFloat64("rate_limit.open_reserve"),
		RefreshInterval:  v.GetDuration("rate_limit.refresh_interval"),
		FailureTripCount: v.GetInt("rate_limit.failure_trip_count"),
		FailureWindow:    v.GetDuration("rate_limit.failure_window"),
		ReconnectMin:     v.GetDuration("rate_limit.reconnect_min"),
		ReconnectMax:     v.GetDuration("rate_limit.reconnect_max"),
	}

	cfg.Reconcile = ReconcileConfig{
		Interval:        v.GetDuration("reconcile.interval"),
		TradeLookback:   v.GetDuration("reconcile.trade_lookback"),
		StaleOrder:      v.GetDuration("reconcile.stale_order"),
		PositionEpsilon: v.GetFloat64("reconcile.position_epsilon"),
		ZombieSilence:   v.GetDuration("reconcile.zombie_silence"),
	}

	cfg.Attribution = AttributionConfig{
		QueueSize:   v.GetInt("attribution.queue_size"),
		File:        v.GetString("attribution.file"),
		RedisAddr:   envSub(v, "attribution.redis_addr"),
		RedisStream: v.GetString("attribution.redis_stream"),
	}

	cfg.Status = StatusConfig{
		Listen:          v.GetString("status.listen"),
		BuildID:         v.GetString("status.build_id"),
		ContractVersion: v.GetString("status.contract_version"),
	}

	cfg.Runtime = RuntimeConfig{
		DryRun: v.GetBool("runtime.dry_run"),
		Log: LogConfig{
			Level:      v.GetString("runtime.log.level"),
			Format:     v.GetString("runtime.log.format"),
			File:       v.GetString("runtime.log.file"),
			MaxSize:    v.GetInt("runtime.log.max_size"),
			MaxBackups: v.GetInt("runtime.log.max_backups"),
			MaxAge:     v.GetInt("runtime.log.max_age"),
			Compress:   v.GetBool("runtime.log.compress"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the config built from defaults alone; instruments must still be filled in.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	v.Set("strategy.instruments", []string{"BTC-PERPETUAL"})
	cfg, err := FromViper(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("Некорректная конфигурация: %w", err)
	}
	if c.Executor.RescueAttempts > len(c.Executor.RescueOffsetTicks) {
		return fmt.Errorf("Некорректная конфигурация: попыток спасения %d, смещений %d.", c.Executor.RescueAttempts, len(c.Executor.RescueOffsetTicks))
	}
	return nil
}

func envSub(v *viper.Viper, key string) string {
	val := v.GetString(key)
	if val == "" {
		return ""
	}

	re := regexp.MustCompile(`\$\{(\w+)\}`)
	return re.ReplaceAllStringFunc(val, func(match string) string {
		envKey := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(envKey)
	})
}
