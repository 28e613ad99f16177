package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Agent    AgentConfig    `yaml:"agent"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

func (c DatabaseConfig) ConnString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Username, c.Password, c.Host, c.Port, c.DBName, sslMode)
}

type KafkaConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	OrderChangesTopicName string `yaml:"order_changes_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type AgentConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
	LogLevel string `yaml:"log_level"`

	// display name of the courier this device belongs to
	CourierName string `yaml:"courier_name"`

	ChangeFeedConsumerGroup  string `yaml:"changefeed_consumer_group"`
	CourierCacheTTLSeconds   int    `yaml:"courier_cache_ttl_seconds"`
	ResyncSchedule           string `yaml:"resync_schedule"`
	PointsRateLimitPerMinute int    `yaml:"points_rate_limit_per_minute"`

	SamplerMode            string `yaml:"sampler_mode"` // "fake" | "emulator"
	SamplerEmulatorBaseURL string `yaml:"sampler_emulator_base_url"`
	SamplerEmulatorAPIKey  string `yaml:"sampler_emulator_api_key"`
	SamplerDeviceID        string `yaml:"sampler_device_id"`
}

// LoadEnv reads KEY=VALUE pairs from the given files into the process
// environment. Missing files are ignored.
func LoadEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
