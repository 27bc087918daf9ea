package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Config holds service configuration.
type Config struct {
	ServerAddr   string `env:"SERVER_ADDR,default=0.0.0.0:8080"`
	StoreBackend string `env:"STORE_BACKEND,default=memory" validate:"oneof=memory postgres"`
	DatabaseURL  string `env:"DATABASE_URL"`

	PostgresUser     string `env:"POSTGRES_USER,default=agent_studio"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,default=agent_studio_pass"`
	PostgresDB       string `env:"POSTGRES_DB,default=agent_studio"`
	PostgresHost     string `env:"POSTGRES_HOST,default=localhost"`
	PostgresPort     string `env:"POSTGRES_PORT,default=5432"`
	DatabaseSSLMode  string `env:"DATABASE_SSLMODE,default=disable"`

	RedisAddr          string `env:"REDIS_ADDR"`
	RedisPassword      string `env:"REDIS_PASSWORD"`
	RedisDB            int    `env:"REDIS_DB,default=0" validate:"gte=0"`
	RedisChannelPrefix string `env:"REDIS_CHANNEL_PREFIX,default=studio:"`

	ReconnectGrace   time.Duration `env:"STUDIO_RECONNECT_GRACE,default=30s" validate:"gt=0"`
	SessionGrace     time.Duration `env:"STUDIO_SESSION_GRACE,default=60s" validate:"gt=0"`
	Palette          string        `env:"STUDIO_PALETTE"`
	LogRetain        int           `env:"STUDIO_LOG_RETAIN,default=1000" validate:"gte=0"`
	SubscriberBuffer int           `env:"STUDIO_SUBSCRIBER_BUFFER,default=256" validate:"gt=0"`
	ResumeTokenCost  int           `env:"STUDIO_RESUME_TOKEN_COST,default=10" validate:"gte=4,lte=31"`
	MilestoneExpr    string        `env:"STUDIO_MILESTONE_EXPR"`
	FanoutQueue      int           `env:"STUDIO_FANOUT_QUEUE,default=1024" validate:"gt=0"`
	SinkTimeout      time.Duration `env:"STUDIO_SINK_TIMEOUT,default=5s" validate:"gt=0"`

	LogLevel string `env:"LOG_LEVEL,default=info"`
}

// P2PConfig holds replicated log node configuration.
type P2PConfig struct {
	NodeID            string        `env:"P2P_NODE_ID"`
	RaftAddr          string        `env:"P2P_RAFT_ADDR,default=127.0.0.1:17000"`
	HTTPAddr          string        `env:"P2P_HTTP_ADDR,default=0.0.0.0:18080"`
	DataDir           string        `env:"P2P_DATA_DIR"`
	Bootstrap         bool          `env:"P2P_BOOTSTRAP,default=false"`
	ApplyTimeout      time.Duration `env:"P2P_APPLY_TIMEOUT,default=5s" validate:"gt=0"`
	JoinEndpoint      string        `env:"P2P_JOIN_ENDPOINT"`
	JoinRetries       int           `env:"P2P_JOIN_RETRIES,default=30" validate:"gte=0"`
	JoinRetryDelay    time.Duration `env:"P2P_JOIN_RETRY_DELAY,default=1s"`
	StartupWaitLeader time.Duration `env:"P2P_STARTUP_WAIT_LEADER,default=4s"`
	SnapshotRetain    int           `env:"P2P_SNAPSHOT_RETAIN,default=2" validate:"gt=0"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment values win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	// A set but blank STORE_BACKEND does not pick up the tag default.
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = "memory"
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresDB, cfg.DatabaseSSLMode)
	}
	return &cfg, nil
}

// LoadP2P reads the node configuration and makes sure the data directory
// exists.
func LoadP2P() (*P2PConfig, error) {
	_ = godotenv.Load()

	var cfg P2PConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	cfg.NodeID = strings.TrimSpace(cfg.NodeID)
	if cfg.NodeID == "" {
		hostname, _ := os.Hostname()
		cfg.NodeID = strings.TrimSpace(hostname)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "node-1"
	}
	cfg.JoinEndpoint = strings.TrimSpace(cfg.JoinEndpoint)
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = filepath.Join("tmp", "p2pnode", cfg.NodeID)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PaletteColors splits STUDIO_PALETTE on commas. An empty result means the
// built-in palette.
func (c *Config) PaletteColors() []string {
	colors := lo.Map(strings.Split(c.Palette, ","), func(s string, _ int) string { return strings.TrimSpace(s) })
	return lo.Uniq(lo.Compact(colors))
}

// Level parses LOG_LEVEL, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.LogLevel)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
