package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/life-stream-dev/life-stream-audio-center/internal/packet"
	"github.com/life-stream-dev/life-stream-audio-center/internal/utils"
)

const (
	DefaultPath = "config.json"
	EnvPrefix   = "AUDIO_CENTER_"
)

var (
	ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	ErrInvalidJSON   = errors.New("the configuration file does not contain valid JSON")
)

type ServerConfig struct {
	Host             string `json:"host"`
	Port             int    `json:"port"`
	AutoStart        bool   `json:"auto_start"`
	MaxConnections   int64  `json:"max_connections"`
	MaxFrameSize     int    `json:"max_frame_size"`
	SendBuffer       int    `json:"send_buffer"`
	HandshakeTimeout string `json:"handshake_timeout"`
	IdleTimeout      string `json:"idle_timeout"`
	DrainTimeout     string `json:"drain_timeout"`
	// IDStrategy is "uuid" or "address".
	IDStrategy string `json:"id_strategy"`
}

type HttpConfig struct {
	Enabled        bool     `json:"enabled"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type DatabaseConfig struct {
	Enabled            bool   `json:"enabled"`
	Host               string `json:"host"`
	Port               uint64 `json:"port"`
	Username           string `json:"username"`
	Password           string `json:"password"`
	Database           string `json:"database"`
	UseTLS             bool   `json:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout"`
	Heartbeat          string `json:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size"`
}

type CacheConfig struct {
	Size int    `json:"size"`
	TTL  string `json:"ttl"`
}

type AudioConfig struct {
	BasePath  string `json:"base_path"`
	ChunkSize int    `json:"chunk_size"`
}

type Config struct {
	Server    ServerConfig   `json:"server"`
	Http      HttpConfig     `json:"http"`
	Database  DatabaseConfig `json:"database"`
	Cache     CacheConfig    `json:"cache"`
	Audio     AudioConfig    `json:"audio"`
	Shell     bool           `json:"shell"`
	DebugMode bool           `json:"debug_mode"`
	AppName   string         `json:"app_name"`
	LogPath   string         `json:"log_path"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             6666,
			AutoStart:        true,
			MaxConnections:   1024,
			MaxFrameSize:     4096,
			SendBuffer:       256,
			HandshakeTimeout: "30s",
			IdleTimeout:      "5m",
			DrainTimeout:     "5s",
			IDStrategy:       "uuid",
		},
		Http: HttpConfig{
			Enabled:        true,
			Host:           "0.0.0.0",
			Port:           8080,
			AllowedOrigins: []string{"*"},
		},
		Database: DatabaseConfig{
			Host:               "localhost",
			Port:               27017,
			Database:           "audio_center",
			ConnectTimeout:     "10s",
			SocketTimeout:      "30s",
			ConnectIdleTimeout: "5m",
			OperationTimeout:   "5s",
			Heartbeat:          "10s",
			MinPoolSize:        1,
			MaxPoolSize:        16,
		},
		Cache: CacheConfig{
			Size: 512,
			TTL:  "10m",
		},
		Audio: AudioConfig{
			BasePath:  "audio",
			ChunkSize: 2048,
		},
		Shell:   true,
		AppName: "audio-center",
		LogPath: "logs",
	}
}

var (
	config      Config
	initialized bool
	mu          sync.Mutex
)

// ReadConfig loads config.json. A missing file is created with defaults and
// reported as ErrConfigCreated.
func ReadConfig() (Config, error) {
	return Load(DefaultPath)
}

func Load(path string) (Config, error) {
	mu.Lock()
	defer mu.Unlock()

	cfg := Default()
	bytes, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("error occured while reading %s: %w", path, err)
		}
		data, _ := json.MarshalIndent(cfg, "", "\t")
		if err := os.WriteFile(path, data, 0644); err != nil {
			return cfg, fmt.Errorf("error occured while creating %s: %w", path, err)
		}
		return cfg, ErrConfigCreated
	}

	if err := json.Unmarshal(bytes, &cfg); err != nil {
		return cfg, ErrInvalidJSON
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("error occured while loading .env: %w", err)
	}
	applyEnv(&cfg)
	cfg.sanitize()

	config = cfg
	initialized = true
	return cfg, nil
}

func GetConfig() (Config, error) {
	mu.Lock()
	if initialized {
		defer mu.Unlock()
		return config, nil
	}
	mu.Unlock()
	return ReadConfig()
}

func applyEnv(cfg *Config) {
	envString("SERVER_HOST", &cfg.Server.Host)
	envInt("SERVER_PORT", &cfg.Server.Port)
	envString("SERVER_ID_STRATEGY", &cfg.Server.IDStrategy)
	envString("SERVER_IDLE_TIMEOUT", &cfg.Server.IdleTimeout)
	envBool("HTTP_ENABLED", &cfg.Http.Enabled)
	envInt("HTTP_PORT", &cfg.Http.Port)
	if origins, ok := os.LookupEnv(EnvPrefix + "HTTP_ALLOWED_ORIGINS"); ok {
		cfg.Http.AllowedOrigins = strings.Split(origins, ",")
	}
	envBool("DATABASE_ENABLED", &cfg.Database.Enabled)
	envString("DATABASE_HOST", &cfg.Database.Host)
	envString("DATABASE_USERNAME", &cfg.Database.Username)
	envString("DATABASE_PASSWORD", &cfg.Database.Password)
	envString("DATABASE_DATABASE", &cfg.Database.Database)
	envString("AUDIO_BASE_PATH", &cfg.Audio.BasePath)
	envBool("SHELL", &cfg.Shell)
	envBool("DEBUG_MODE", &cfg.DebugMode)
}

func envString(key string, target *string) {
	if value, ok := os.LookupEnv(EnvPrefix + key); ok && value != "" {
		*target = value
	}
}

func envInt(key string, target *int) {
	if value, ok := os.LookupEnv(EnvPrefix + key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			*target = n
		}
	}
}

func envBool(key string, target *bool) {
	if value, ok := os.LookupEnv(EnvPrefix + key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			*target = b
		}
	}
}

// sanitize replaces zero values left by a partial config file.
func (c *Config) sanitize() {
	def := Default()
	if c.Server.Port <= 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.MaxConnections <= 0 {
		c.Server.MaxConnections = def.Server.MaxConnections
	}
	if packet.MaxChunkSize(c.Server.MaxFrameSize) <= 0 {
		c.Server.MaxFrameSize = def.Server.MaxFrameSize
	}
	if c.Server.SendBuffer <= 0 {
		c.Server.SendBuffer = def.Server.SendBuffer
	}
	if c.Server.IDStrategy != "address" {
		c.Server.IDStrategy = "uuid"
	}
	if c.Http.Port <= 0 {
		c.Http.Port = def.Http.Port
	}
	if c.Cache.Size <= 0 {
		c.Cache.Size = def.Cache.Size
	}
	if c.Audio.BasePath == "" {
		c.Audio.BasePath = def.Audio.BasePath
	}
	if c.Audio.ChunkSize <= 0 {
		c.Audio.ChunkSize = def.Audio.ChunkSize
	}
	// 分块加上块头和帧头不能超过最大帧长
	if limit := packet.MaxChunkSize(c.Server.MaxFrameSize); c.Audio.ChunkSize > limit {
		c.Audio.ChunkSize = limit
	}
	if c.LogPath == "" {
		c.LogPath = def.LogPath
	}
	if c.AppName == "" {
		c.AppName = def.AppName
	}
}

func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s ServerConfig) Handshake() time.Duration {
	return utils.ParseStringTimeOr(s.HandshakeTimeout, 30*time.Second)
}

// Idle returns 0 when idle timeouts are disabled: empty, "0" or any zero
// duration such as "0s". Unparseable values fall back to 5m.
func (s ServerConfig) Idle() time.Duration {
	if strings.TrimSpace(s.IdleTimeout) == "" || strings.TrimSpace(s.IdleTimeout) == "0" {
		return 0
	}
	d, err := utils.ParseStringTime(s.IdleTimeout)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

func (s ServerConfig) Drain() time.Duration {
	return utils.ParseStringTimeOr(s.DrainTimeout, 5*time.Second)
}

func (h HttpConfig) Address() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

func (c CacheConfig) Expire() time.Duration {
	return utils.ParseStringTimeOr(c.TTL, 10*time.Minute)
}
