package domain

// Config holds the complete Merlin configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier" yaml:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"eventBus"`

	// Detection pipeline configurations
	Rules    RulesConfig    `json:"rules" yaml:"rules"`
	Decision DecisionConfig `json:"decision" yaml:"decision"`
	Profile  ProfileConfig  `json:"profile" yaml:"profile"`
	Models   ModelConfig    `json:"models" yaml:"models"`
	Geo      GeoConfig      `json:"geo" yaml:"geo"`
	Retrain  RetrainConfig  `json:"retrain" yaml:"retrain"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"readTimeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	ServiceName  string `json:"serviceName" yaml:"serviceName"`
	ExporterType string `json:"exporterType" yaml:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
}

// RulesConfig holds the thresholds for the built-in rule catalogue.
// Zero values fall back to the defaults at engine construction.
type RulesConfig struct {
	LargeAmountThreshold    float64  `json:"largeAmountThreshold" yaml:"largeAmountThreshold"`
	RoundAmountMin          float64  `json:"roundAmountMin" yaml:"roundAmountMin"`
	StructuringBandLow      float64  `json:"structuringBandLow" yaml:"structuringBandLow"`
	StructuringBandHigh     float64  `json:"structuringBandHigh" yaml:"structuringBandHigh"`
	StructuringMinCount     int      `json:"structuringMinCount" yaml:"structuringMinCount"`
	VelocityCountThreshold  int      `json:"velocityCountThreshold" yaml:"velocityCountThreshold"`
	VelocityAmountThreshold float64  `json:"velocityAmountThreshold" yaml:"velocityAmountThreshold"`
	HighRiskCountries       []string `json:"highRiskCountries" yaml:"highRiskCountries"`
	HighRiskMerchantCats    []string `json:"highRiskMerchantCategories" yaml:"highRiskMerchantCategories"`
	BlacklistedDevices      []string `json:"blacklistedDevices" yaml:"blacklistedDevices"`
	BlacklistedIPs          []string `json:"blacklistedIPs" yaml:"blacklistedIPs"`
	FailedLoginThreshold    int      `json:"failedLoginThreshold" yaml:"failedLoginThreshold"`
	TravelSpeedKmh          float64  `json:"travelSpeedKmh" yaml:"travelSpeedKmh"`
}

// DecisionConfig holds scorer and action thresholds.
type DecisionConfig struct {
	// Action thresholds; scores below ReviewThreshold allow.
	ReviewThreshold    float64 `json:"reviewThreshold" yaml:"reviewThreshold"`
	ChallengeThreshold float64 `json:"challengeThreshold" yaml:"challengeThreshold"`
	BlockThreshold     float64 `json:"blockThreshold" yaml:"blockThreshold"`

	// CriticalOverrideScore forces a block for takeover and identity
	// theft signals at or above this score.
	CriticalOverrideScore float64 `json:"criticalOverrideScore" yaml:"criticalOverrideScore"`

	// EscalateScore routes laundering signals at or above this score
	// to a human escalation queue.
	EscalateScore float64 `json:"escalateScore" yaml:"escalateScore"`

	// Multi-signal amplifier cap.
	MaxMultiplier float64 `json:"maxMultiplier" yaml:"maxMultiplier"`
}

// ProfileConfig holds behavioral profile settings.
type ProfileConfig struct {
	RetentionDays  int `json:"retentionDays" yaml:"retentionDays"`
	MaxHistorySize int `json:"maxHistorySize" yaml:"maxHistorySize"`
	Shards         int `json:"shards" yaml:"shards"`
}

// ModelConfig holds ensemble training settings.
type ModelConfig struct {
	Voting         string  `json:"voting" yaml:"voting"` // weighted, average, max
	Seed           int64   `json:"seed" yaml:"seed"`
	ValidationFrac float64 `json:"validationFrac" yaml:"validationFrac"`

	IsolationTrees      int     `json:"isolationTrees" yaml:"isolationTrees"`
	IsolationSampleSize int     `json:"isolationSampleSize" yaml:"isolationSampleSize"`
	OneClassNu          float64 `json:"oneClassNu" yaml:"oneClassNu"`
	ReconComponents     int     `json:"reconComponents" yaml:"reconComponents"`

	LogisticEpochs int     `json:"logisticEpochs" yaml:"logisticEpochs"`
	LogisticRate   float64 `json:"logisticRate" yaml:"logisticRate"`
	BoostRounds    int     `json:"boostRounds" yaml:"boostRounds"`
	BoostRate      float64 `json:"boostRate" yaml:"boostRate"`

	// Score threshold for emitting a model signal.
	SignalThreshold float64 `json:"signalThreshold" yaml:"signalThreshold"`
}

// GeoConfig holds IP geolocation settings. The resolver is optional:
// without a database path, impossible-travel checks use caller
// supplied coordinates only.
type GeoConfig struct {
	GeoIPPath string `json:"geoipPath" yaml:"geoipPath"`
}

// RetrainConfig holds the retrain monitor settings.
type RetrainConfig struct {
	Enabled             bool    `json:"enabled" yaml:"enabled"`
	CheckIntervalSecs   int     `json:"checkIntervalSecs" yaml:"checkIntervalSecs"`
	MaxModelAgeDays     int     `json:"maxModelAgeDays" yaml:"maxModelAgeDays"`
	FalsePositiveWindow int     `json:"falsePositiveWindow" yaml:"falsePositiveWindow"`
	FalsePositiveRate   float64 `json:"falsePositiveRate" yaml:"falsePositiveRate"`
	MinTrainingEvents   int     `json:"minTrainingEvents" yaml:"minTrainingEvents"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"

	// TierEnterprise includes multi-node, SSO, etc.
	TierEnterprise Tier = "enterprise"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./merlin.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     300, // 5 minutes
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Rules: RulesConfig{
			LargeAmountThreshold:    10000,
			RoundAmountMin:          1000,
			StructuringBandLow:      9000,
			StructuringBandHigh:     10000,
			StructuringMinCount:     3,
			VelocityCountThreshold:  50,
			VelocityAmountThreshold: 100000,
			HighRiskMerchantCats:    []string{"gambling", "adult", "cryptocurrency"},
			FailedLoginThreshold:    3,
			TravelSpeedKmh:          1000,
		},
		Decision: DecisionConfig{
			ReviewThreshold:       0.5,
			ChallengeThreshold:    0.7,
			BlockThreshold:        0.9,
			CriticalOverrideScore: 0.8,
			EscalateScore:         0.9,
			MaxMultiplier:         1.5,
		},
		Profile: ProfileConfig{
			RetentionDays:  90,
			MaxHistorySize: 1000,
			Shards:         64,
		},
		Models: ModelConfig{
			Voting:              "weighted",
			Seed:                42,
			ValidationFrac:      0.2,
			IsolationTrees:      100,
			IsolationSampleSize: 256,
			OneClassNu:          0.05,
			ReconComponents:     4,
			LogisticEpochs:      200,
			LogisticRate:        0.1,
			BoostRounds:         50,
			BoostRate:           0.1,
			SignalThreshold:     0.7,
		},
		Retrain: RetrainConfig{
			Enabled:             false,
			CheckIntervalSecs:   3600,
			MaxModelAgeDays:     30,
			FalsePositiveWindow: 100,
			FalsePositiveRate:   0.2,
			MinTrainingEvents:   500,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "merlin",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "merlin",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Retrain.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}
