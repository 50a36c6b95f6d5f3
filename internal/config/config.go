// Package config provides configuration loading for the orchestrator service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the orchestrator service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	ShutdownGrace time.Duration

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// RunStore configuration
	RunStoreType string // "memory", "redis", or "k8s"

	// K8s configuration
	K8sNamespace  string
	K8sInCluster  bool
	K8sKubeconfig string

	// CORS configuration
	CORSOrigins []string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Scheduler / run-manager configuration
	MaxConcurrentRuns        int
	MaxConcurrentNodesPerRun int
	NodeTimeout              time.Duration

	// EventLog retention configuration
	EventRetentionEvents int
	EventRetentionWindow time.Duration
	EventMinReplay       int

	// Fanout configuration
	SSEHeartbeatInterval time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "7070"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// RunStore
		RunStoreType: getEnv("ORCH_RUNSTORE", "memory"), // "memory", "redis", or "k8s"

		// K8s
		K8sNamespace:  getEnv("K8S_NAMESPACE", "mentatlab"),
		K8sInCluster:  getBool("K8S_IN_CLUSTER", false),
		K8sKubeconfig: getEnv("KUBECONFIG", ""),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 100.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 200),

		// Scheduler / run-manager
		MaxConcurrentRuns:        getInt("ORCH_MAX_CONCURRENT_RUNS", 64),
		MaxConcurrentNodesPerRun: getInt("ORCH_MAX_CONCURRENT_NODES_PER_RUN", 4),
		NodeTimeout:              time.Duration(getInt("ORCH_NODE_TIMEOUT_SECONDS", 600)) * time.Second,

		// EventLog retention
		EventRetentionEvents: getInt("ORCH_EVENT_RETENTION_EVENTS", 500),
		EventRetentionWindow: time.Duration(getInt("ORCH_EVENT_RETENTION_SECONDS", 600)) * time.Second,
		EventMinReplay:       getInt("ORCH_EVENT_MIN_REPLAY", 100),

		// Fanout
		SSEHeartbeatInterval: time.Duration(getInt("ORCH_SSE_HEARTBEAT_SECONDS", 30)) * time.Second,

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		return strings.Split(val, ",")
	}
	return defaultVal
}
