package config

import (
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Log         LogConfig         `mapstructure:"log"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Evaluation  EvaluationConfig  `mapstructure:"evaluation"`
	Network     NetworkConfig     `mapstructure:"network"`
	ThreatIntel ThreatIntelConfig `mapstructure:"threat_intel"`
	Rules       RulesConfig       `mapstructure:"rules"`
	ML          MLConfig          `mapstructure:"ml"`
	ABTest      ABTestConfig      `mapstructure:"abtest"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Clients     []ClientConfig    `mapstructure:"clients"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	GlobalQPS       float64       `mapstructure:"global_qps"`
	GlobalBurst     int           `mapstructure:"global_burst"`
}

type AuthConfig struct {
	RequireAPIKey bool   `mapstructure:"require_api_key"`
	AdminKey      string `mapstructure:"admin_key"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DatabaseConfig struct {
	DSN                     string `mapstructure:"dsn"`
	EvaluationRetentionDays int    `mapstructure:"evaluation_retention_days"`
	CleanupIntervalMinutes  int    `mapstructure:"cleanup_interval_minutes"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	ReviewTopic string   `mapstructure:"review_topic"`
}

type EvaluationConfig struct {
	SLABudget        time.Duration `mapstructure:"sla_budget"`
	RecordBufferSize int           `mapstructure:"record_buffer_size"`
}

type NetworkConfig struct {
	GeoIPCityDB           string        `mapstructure:"geoip_city_db"`
	GeoIPASNDB            string        `mapstructure:"geoip_asn_db"`
	ExitNodeURL           string        `mapstructure:"exit_node_url"`
	ExitNodeRefresh       time.Duration `mapstructure:"exit_node_refresh"`
	ReverseDNSTimeout     time.Duration `mapstructure:"reverse_dns_timeout"`
	CacheTTL              time.Duration `mapstructure:"cache_ttl"`
	VPNASNs               []uint        `mapstructure:"vpn_asns"`
	TorWeight             float64       `mapstructure:"tor_weight"`
	VPNWeight             float64       `mapstructure:"vpn_weight"`
	ProxyWeight           float64       `mapstructure:"proxy_weight"`
	CountryMismatchWeight float64       `mapstructure:"country_mismatch_weight"`
	StrictHostnames       bool          `mapstructure:"strict_hostnames"`
}

type ThreatIntelConfig struct {
	APIURL            string        `mapstructure:"api_url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	MaliciousTTL      time.Duration `mapstructure:"malicious_ttl"`
	SuspiciousTTL     time.Duration `mapstructure:"suspicious_ttl"`
	CleanTTL          time.Duration `mapstructure:"clean_ttl"`
}

type RulesConfig struct {
	Source   string        `mapstructure:"source"` // static | database
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type MLConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ModelName       string        `mapstructure:"model_name"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MinConfidence   float64       `mapstructure:"min_confidence"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

type ABTestConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	TestID          string `mapstructure:"test_id"`
	TrafficPercentB int    `mapstructure:"traffic_percent_b"`
	ModelNameB      string `mapstructure:"model_name_b"`
	RulesFile       string `mapstructure:"rules_file"` // rule catalog for group B (yaml/json)
}

type TracingConfig struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type ClientConfig struct {
	ID     string  `mapstructure:"id"`
	Name   string  `mapstructure:"name"`
	APIKey string  `mapstructure:"api_key"`
	QPS    float64 `mapstructure:"qps"`
	Burst  int     `mapstructure:"burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.global_qps", 2000)
	v.SetDefault("server.global_burst", 4000)
	v.SetDefault("auth.require_api_key", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("database.evaluation_retention_days", 90)
	v.SetDefault("database.cleanup_interval_minutes", 60)
	v.SetDefault("redis.key_prefix", "fraudgate:")
	v.SetDefault("kafka.review_topic", "fraud.review.requests")
	v.SetDefault("evaluation.sla_budget", 100*time.Millisecond)
	v.SetDefault("evaluation.record_buffer_size", 10000)
	v.SetDefault("network.exit_node_url", "https://check.torproject.org/torbulkexitlist")
	v.SetDefault("network.exit_node_refresh", time.Hour)
	v.SetDefault("network.reverse_dns_timeout", 30*time.Millisecond)
	v.SetDefault("network.cache_ttl", time.Hour)
	v.SetDefault("network.tor_weight", 50)
	v.SetDefault("network.vpn_weight", 30)
	v.SetDefault("network.proxy_weight", 20)
	v.SetDefault("network.country_mismatch_weight", 40)
	v.SetDefault("threat_intel.timeout", 80*time.Millisecond)
	v.SetDefault("threat_intel.requests_per_second", 20)
	v.SetDefault("threat_intel.malicious_ttl", 7*24*time.Hour)
	v.SetDefault("threat_intel.suspicious_ttl", 12*time.Hour)
	v.SetDefault("threat_intel.clean_ttl", 24*time.Hour)
	v.SetDefault("rules.source", "static")
	v.SetDefault("rules.cache_ttl", 5*time.Minute)
	v.SetDefault("ml.model_name", "checkout-fraud")
	v.SetDefault("ml.timeout", 40*time.Millisecond)
	v.SetDefault("ml.min_confidence", 0.5)
	v.SetDefault("ml.refresh_interval", time.Minute)
	v.SetDefault("abtest.traffic_percent_b", 0)
	v.SetDefault("tracing.sample_ratio", 0.1)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

func Load() (*Config, error) {
	// .env is optional; real env vars still win over it
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// e.g. FRAUDGATE_REDIS_ADDR
	v.SetEnvPrefix("fraudgate")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
