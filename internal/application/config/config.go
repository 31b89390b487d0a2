package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pion/webrtc/v4"
)

const (
	BrokerStomp = "stomp"
	BrokerRedis = "redis"

	MediaSynthetic = "synthetic"
	MediaDevices   = "devices"

	CallLogMemory   = "memory"
	CallLogPostgres = "pgx"
	CallLogSQLite   = "sqlite"
)

type Config struct {
	Debug       bool   `env:"DEBUG" envDefault:"false"`
	UserID      int64  `env:"USER_ID,required"`
	UserName    string `env:"USER_NAME"`
	ControlPort string `env:"CONTROL_PORT" envDefault:"3001"`
	MetricPort  string `env:"METRIC_PORT" envDefault:"9091"`
	Domain      string `env:"DOMAIN" envDefault:"http://localhost:3000"`

	// JWTSecret включает авторизацию control API и заголовок Authorization в CONNECT
	JWTSecret string        `env:"JWT_SECRET"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"12h"`

	// SetupTimeout ограничивает Requesting, Ringing и Negotiating
	SetupTimeout time.Duration `env:"CALL_SETUP_TIMEOUT" envDefault:"45s"`

	Broker  BrokerConfig
	Redis   RedisConfig
	ICE     ICEConfig
	Media   MediaConfig
	CallLog CallLogConfig

	Postgres PostgresConfig

	// ICEServers собирается из ICE в New
	ICEServers []webrtc.ICEServer
}

type BrokerConfig struct {
	Kind           string        `env:"BROKER_KIND" envDefault:"stomp"`
	URL            string        `env:"BROKER_URL" envDefault:"ws://localhost:8080/ws/websocket"`
	ReconnectDelay time.Duration `env:"BROKER_RECONNECT_DELAY" envDefault:"5s"`
	HeartBeat      time.Duration `env:"BROKER_HEARTBEAT" envDefault:"4s"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	Prefix   string `env:"REDIS_PREFIX" envDefault:"consultcall"`
}

type ICEConfig struct {
	STUNServers []string `env:"STUN_SERVERS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302,stun:stun2.l.google.com:19302"`

	TurnURL      string `env:"TURN_URL"`
	TurnUsername string `env:"TURN_USERNAME"`
	TurnPassword string `env:"TURN_PASSWORD"`

	DisconnectedTimeout time.Duration `env:"ICE_DISCONNECTED_TIMEOUT" envDefault:"5s"`
	FailedTimeout       time.Duration `env:"ICE_FAILED_TIMEOUT" envDefault:"25s"`
	KeepAlive           time.Duration `env:"ICE_KEEPALIVE" envDefault:"2s"`
	IncludeLoopback     bool          `env:"ICE_INCLUDE_LOOPBACK" envDefault:"false"`
}

type MediaConfig struct {
	Source     string `env:"MEDIA_SOURCE" envDefault:"synthetic"`
	VideoFile  string `env:"MEDIA_VIDEO_FILE"`
	AudioFile  string `env:"MEDIA_AUDIO_FILE"`
	ScreenFile string `env:"MEDIA_SCREEN_FILE"`
}

type CallLogConfig struct {
	Driver string `env:"CALLLOG_DRIVER" envDefault:"memory"`
	DSN    string `env:"CALLLOG_DSN"`
}

type PostgresConfig struct {
	URL string `env:"POSTGRES_URL"`

	Host     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port     int    `env:"POSTGRES_PORT" envDefault:"5432"`
	User     string `env:"POSTGRES_USER" envDefault:"postgres"`
	Password string `env:"POSTGRES_PASSWORD" envDefault:"postgres"`
	Name     string `env:"POSTGRES_NAME" envDefault:"consultcall"`
	SSL      string `env:"POSTGRES_SSL" envDefault:"disable"`
}

func (p *PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}

	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		p.User,
		p.Password,
		p.Host,
		p.Port,
		p.Name,
		p.SSL,
	)
}

// CallLogDSN возвращает DSN для выбранного драйвера журнала звонков
func (c *Config) CallLogDSN() string {
	if c.CallLog.DSN != "" {
		return c.CallLog.DSN
	}

	switch c.CallLog.Driver {
	case CallLogPostgres:
		return c.Postgres.DSN()
	case CallLogSQLite:
		return "file:consultcall.db?_pragma=busy_timeout(5000)"
	}

	return ""
}

func New() (*Config, error) {
	c, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err = c.validate(); err != nil {
		return nil, err
	}

	c.ICEServers = c.ICE.Servers()

	return &c, nil
}

func (c *Config) validate() error {
	if c.UserID <= 0 {
		return fmt.Errorf("USER_ID must be positive, got %d", c.UserID)
	}

	switch c.Broker.Kind {
	case BrokerStomp, BrokerRedis:
	default:
		return fmt.Errorf("unknown BROKER_KIND %q", c.Broker.Kind)
	}

	switch c.Media.Source {
	case MediaSynthetic, MediaDevices:
	default:
		return fmt.Errorf("unknown MEDIA_SOURCE %q", c.Media.Source)
	}

	switch c.CallLog.Driver {
	case CallLogMemory, CallLogPostgres, CallLogSQLite:
	default:
		return fmt.Errorf("unknown CALLLOG_DRIVER %q", c.CallLog.Driver)
	}

	return nil
}

// Servers собирает список ICE серверов: STUN из конфига и опциональный TURN
func (i ICEConfig) Servers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, 2)

	if len(i.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: i.STUNServers})
	}

	if i.TurnURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{i.TurnURL},
			Username:   i.TurnUsername,
			Credential: i.TurnPassword,
		})
	}

	return servers
}
