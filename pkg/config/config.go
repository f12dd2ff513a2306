package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig
	Neo4j   Neo4jConfig
	Milvus  MilvusConfig
	SQLite  SQLiteConfig
	Redis   RedisConfig
	LLM     LLMConfig
	Quality QualityConfig
	Ingest  IngestConfig
	Sweep   SweepConfig
	Logging LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

type MilvusConfig struct {
	Endpoint       string
	CollectionName string
	VectorDim      int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Host            string
	Port            int
	Password        string
	DB              int
	EntityKeyTTLSec int
}

type LLMConfig struct {
	Provider       string
	Model          string
	APIKey         string
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
	EmbeddingModel string
	EmbeddingDim   int
}

// QualityConfig drives confidence propagation: per-operation degradation
// factors, the penalty applied when a tool flags partial results, and the
// penalty applied when fewer than MinOutputs outputs are produced.
type QualityConfig struct {
	HighTierThreshold    float64
	MediumTierThreshold  float64
	OperationFactors     map[string]float64
	PartialResultsFactor float64
	MinOutputs           int
	LowOutputFactor      float64
}

type IngestConfig struct {
	MaxChunkSize int
}

// SweepConfig controls the background reconciliation pass.
type SweepConfig struct {
	MaxOperationAgeSec int
	IntervalSec        int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/kgtrace")

	viper.SetEnvPrefix("KGTRACE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 10485760)

	viper.SetDefault("neo4j.uri", "bolt://localhost:7687")
	viper.SetDefault("neo4j.username", "neo4j")
	viper.SetDefault("neo4j.password", "password")
	viper.SetDefault("neo4j.database", "neo4j")

	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.collectionName", "kgtrace_chunks")
	viper.SetDefault("milvus.vectorDim", 1536)

	viper.SetDefault("sqlite.path", "./data/kgtrace.db")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.entityKeyTTLSec", 3600)

	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.model", "gpt-4")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.maxTokens", 2048)
	viper.SetDefault("llm.timeoutSec", 60)
	viper.SetDefault("llm.embeddingModel", "text-embedding-3-large")
	viper.SetDefault("llm.embeddingDim", 1536)

	viper.SetDefault("quality.highTierThreshold", 0.8)
	viper.SetDefault("quality.mediumTierThreshold", 0.5)
	viper.SetDefault("quality.operationFactors", map[string]float64{"merge_operation": 0.9})
	viper.SetDefault("quality.partialResultsFactor", 0.9)
	viper.SetDefault("quality.minOutputs", 1)
	viper.SetDefault("quality.lowOutputFactor", 0.8)

	viper.SetDefault("ingest.maxChunkSize", 1200)

	viper.SetDefault("sweep.maxOperationAgeSec", 1800)
	viper.SetDefault("sweep.intervalSec", 300)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
