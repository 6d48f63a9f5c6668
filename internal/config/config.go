// Package config 配置
package config

import (
	"strconv"
	"time"

	pkgconfig "github.com/Huitrn/Compareware-sub002/pkg/config"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int

	// PostgreSQL
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisAddr     string
	RedisPassword string

	// Streams
	OrderEventStream string

	WorkerID int64

	// Payment
	PaymentServiceURL string
	PaymentTimeout    time.Duration

	// Saga
	SagaTimeout  time.Duration
	AuditTimeout time.Duration

	// Audit retention
	AuditRetentionDays int
	AuditPurgeCron     string

	// Tracing
	TracingEnabled    bool
	JaegerEndpoint    string
	TracingSampleRate float64
}

// Load 加载配置
func Load() *Config {
	return &Config{
		ServiceName: pkgconfig.GetEnv("SERVICE_NAME", "compareware-orders"),
		HTTPPort:    pkgconfig.GetEnvInt("HTTP_PORT", 8084),

		DBHost:     pkgconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:     pkgconfig.GetEnvInt("DB_PORT", 5432),
		DBUser:     pkgconfig.GetEnv("DB_USER", "compareware"),
		DBPassword: pkgconfig.GetEnv("DB_PASSWORD", "compareware123"),
		DBName:     pkgconfig.GetEnv("DB_NAME", "compareware"),

		RedisAddr:     pkgconfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: pkgconfig.GetEnv("REDIS_PASSWORD", ""),

		OrderEventStream: pkgconfig.GetEnv("ORDER_EVENT_STREAM", "compareware:order-events"),

		WorkerID: pkgconfig.GetEnvInt64("WORKER_ID", 1),

		PaymentServiceURL: pkgconfig.GetEnv("PAYMENT_SERVICE_URL", "http://localhost:8090"),
		PaymentTimeout:    pkgconfig.GetEnvDuration("PAYMENT_TIMEOUT", 3*time.Second),

		SagaTimeout:  pkgconfig.GetEnvDuration("SAGA_TIMEOUT", 30*time.Second),
		AuditTimeout: pkgconfig.GetEnvDuration("AUDIT_TIMEOUT", 5*time.Second),

		AuditRetentionDays: pkgconfig.GetEnvInt("AUDIT_RETENTION_DAYS", 90),
		AuditPurgeCron:     pkgconfig.GetEnv("AUDIT_PURGE_CRON", "30 3 * * *"),

		TracingEnabled:    pkgconfig.GetEnvBool("TRACING_ENABLED", false),
		JaegerEndpoint:    pkgconfig.GetEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		TracingSampleRate: pkgconfig.GetEnvFloat64("TRACING_SAMPLE_RATE", 0.1),
	}
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=disable"
}
