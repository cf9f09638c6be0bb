// Package config loads process configuration from the environment and
// optional dotenv files.
//
//	cfg, err := config.Load()            // .env if present, then the environment
//	cfg, err := config.Load("prod.env")  // explicit files must exist
//
// Variables already set in the environment win over dotenv files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store kinds.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreBleve  = "bleve"
)

// Transport names understood by the CLI.
const (
	TransportLocal     = "local"
	TransportLoopback  = "memory"
	TransportRedis     = "redis-streams"
	TransportWebSocket = "websocket"
	TransportWatermill = "watermill"
)

type Config struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`

	// Library is the directory the indexer scans.
	Library string `env:"LIBRARY"`

	Store     StoreConfig     `envPrefix:"STORE_"`
	Transport string          `env:"TRANSPORT" envDefault:"local"`
	Redis     RedisConfig     `envPrefix:"REDIS_"`
	WebSocket WebSocketConfig `envPrefix:"WS_"`
	TrackList TrackListConfig `envPrefix:"TRACKLIST_"`

	ReconnectDelay time.Duration `env:"RECONNECT_DELAY" envDefault:"2500ms"`
}

type StoreConfig struct {
	Kind string `env:"KIND" envDefault:"sqlite"`
	// Path of the database file or index directory. An empty sqlite path
	// becomes DefaultSQLitePath; an empty bleve path keeps the index in
	// memory.
	Path string `env:"PATH"`
}

type RedisConfig struct {
	Addr          string `env:"ADDR" envDefault:"127.0.0.1:6379"`
	Username      string `env:"USERNAME"`
	Password      string `env:"PASSWORD"`
	DB            int    `env:"DB" envDefault:"0"`
	TLS           bool   `env:"TLS" envDefault:"false"`
	RequestStream string `env:"REQUEST_STREAM" envDefault:"xtrack:requests"`
	Group         string `env:"GROUP" envDefault:"xtrack"`
	// Consumer names this process; empty derives one from host and pid.
	Consumer   string `env:"CONSUMER"`
	DeadLetter string `env:"DEAD_LETTER"`
}

type WebSocketConfig struct {
	// Listen is the address `serve` binds.
	Listen string `env:"LISTEN" envDefault:":7905"`
	// URL is the server `browse` dials.
	URL   string `env:"URL" envDefault:"ws://127.0.0.1:7905/xtrack"`
	Token string `env:"TOKEN"`
}

type TrackListConfig struct {
	WindowRadius int           `env:"WINDOW_RADIUS" envDefault:"25"`
	WaitTimeout  time.Duration `env:"WAIT_TIMEOUT" envDefault:"150ms"`
}

const DefaultSQLitePath = "xtrack.db"

// Prefix is prepended to every variable name, e.g. XTRACK_STORE_KIND.
const Prefix = "XTRACK_"

// Load reads the dotenv files (".env" when none are given, skipped if
// missing), overlays the process environment and validates the result.
func Load(files ...string) (Config, error) {
	fromFiles, err := readDotenv(files)
	if err != nil {
		return Config{}, err
	}

	environ := fromFiles
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			environ[k] = v
		}
	}
	return Parse(environ)
}

// Parse builds a Config from environ alone.
func Parse(environ map[string]string) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, env.Options{
		Environment: environ,
		Prefix:      Prefix,
	}); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if c.Store.Kind == StoreSQLite && c.Store.Path == "" {
		c.Store.Path = DefaultSQLitePath
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func readDotenv(files []string) (map[string]string, error) {
	if len(files) == 0 {
		m, err := godotenv.Read()
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("config: .env: %w", err)
		}
		return m, nil
	}
	m, err := godotenv.Read(files...)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return m, nil
}

func (c Config) Validate() error {
	if !slices.Contains([]string{StoreMemory, StoreSQLite, StoreBleve}, c.Store.Kind) {
		return fmt.Errorf("config: unknown store kind %q", c.Store.Kind)
	}
	switch c.Transport {
	case TransportLocal, TransportLoopback, TransportRedis, TransportWebSocket, TransportWatermill:
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if c.TrackList.WindowRadius < 0 {
		return fmt.Errorf("config: tracklist window radius must be >= 0, got %d", c.TrackList.WindowRadius)
	}
	if c.TrackList.WaitTimeout < 0 {
		return fmt.Errorf("config: tracklist wait timeout must be >= 0, got %v", c.TrackList.WaitTimeout)
	}
	if c.ReconnectDelay < 0 {
		return fmt.Errorf("config: reconnect delay must be >= 0, got %v", c.ReconnectDelay)
	}
	return nil
}
