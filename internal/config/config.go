package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Sync      SyncConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	WebSocket WebSocketConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host            string `validate:"required"`
	PublicHost      string `validate:"required"`
	StreamPort      int    `validate:"gte=0,lte=65535"`
	DatagramPort    int    `validate:"gte=0,lte=65535"`
	HTTPPort        int    `validate:"gte=0,lte=65535"`
	Env             string
	MaxClients      int           `validate:"gt=0"`
	WorkerPoolSize  int           `validate:"gt=1"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

// SyncConfig holds the knobs of the synchronization protocol shared by the
// server and the headless client.
type SyncConfig struct {
	HeartbeatInterval time.Duration `validate:"gt=0"`
	LivenessTimeout   time.Duration `validate:"gtfield=HeartbeatInterval"`
	ConnectionTimeout time.Duration `validate:"gt=0"`
	BatchSize         int           `validate:"gt=0"`
	MaxFrameSize      int           `validate:"gte=1024"`
	AutoReconnect     bool
}

type DatabaseConfig struct {
	Driver   string `validate:"oneof=memory sqlite postgres couchdb"`
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	Path     string
	DSN      string
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration `validate:"gt=0"`
}

type WebSocketConfig struct {
	ReadBufferSize  int `validate:"gt=0"`
	WriteBufferSize int `validate:"gt=0"`
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration `validate:"ltfield=PongWait"`
}

type RateLimitConfig struct {
	MessagesPerMinute int `validate:"gt=0"`
	Enabled           bool
}

type CORSConfig struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
}

type LoggingConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=text json"`
}

func Load() (*Config, error) {
	godotenv.Load()

	heartbeat, err := getEnvAsDuration("HEARTBEAT_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}

	liveness, err := getEnvAsDuration("LIVENESS_TIMEOUT", 2*heartbeat)
	if err != nil {
		return nil, err
	}

	connTimeout, err := getEnvAsDuration("CONNECTION_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	shutdownTimeout, err := getEnvAsDuration("SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	jwtExp, err := getEnvAsDuration("JWT_EXPIRATION", 24*time.Hour)
	if err != nil {
		return nil, err
	}

	writeWait, err := getEnvAsDuration("WS_WRITE_WAIT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	pongWait, err := getEnvAsDuration("WS_PONG_WAIT", 60*time.Second)
	if err != nil {
		return nil, err
	}

	pingPeriod, err := getEnvAsDuration("WS_PING_PERIOD", pongWait*9/10)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("HOST", "0.0.0.0"),
			PublicHost:      getEnv("SERVER_HOST", "localhost"),
			StreamPort:      getEnvAsInt("TCP_PORT", 8080),
			DatagramPort:    getEnvAsInt("UDP_PORT", 8081),
			HTTPPort:        getEnvAsInt("HTTP_PORT", 8082),
			Env:             getEnv("ENV", "development"),
			MaxClients:      getEnvAsInt("MAX_CLIENTS", 100),
			WorkerPoolSize:  getEnvAsInt("WORKER_POOL_SIZE", 256),
			ShutdownTimeout: shutdownTimeout,
		},
		Sync: SyncConfig{
			HeartbeatInterval: heartbeat,
			LivenessTimeout:   liveness,
			ConnectionTimeout: connTimeout,
			BatchSize:         getEnvAsInt("SYNC_BATCH_SIZE", 10),
			MaxFrameSize:      getEnvAsInt("MAX_FRAME_SIZE", 10485760),
			AutoReconnect:     getEnvAsBool("AUTO_RECONNECT", true),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "sqlite"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5984"),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			Name:     getEnv("DB_NAME", "notesync"),
			Path:     getEnv("DB_PATH", "data/notesync.db"),
			DSN:      getEnv("DB_DSN", ""),
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", ""),
			Expiration: jwtExp,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  getEnvAsInt("WS_READ_BUFFER_SIZE", 4096),
			WriteBufferSize: getEnvAsInt("WS_WRITE_BUFFER_SIZE", 4096),
			WriteWait:       writeWait,
			PongWait:        pongWait,
			PingPeriod:      pingPeriod,
		},
		RateLimit: RateLimitConfig{
			MessagesPerMinute: getEnvAsInt("RATE_LIMIT_MESSAGES_PER_MINUTE", 600),
			Enabled:           getEnvAsBool("RATE_LIMIT_ENABLED", true),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			AllowedMethods: getEnv("CORS_ALLOWED_METHODS", "GET,OPTIONS"),
			AllowedHeaders: getEnv("CORS_ALLOWED_HEADERS", "Content-Type,Authorization"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the struct tags above. Load calls it; tests that build a
// Config by hand should call it too.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (s ServerConfig) StreamAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.StreamPort)
}

func (s ServerConfig) DatagramAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.DatagramPort)
}

func (s ServerConfig) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}
