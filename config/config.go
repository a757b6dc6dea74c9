package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Game      GameConfig      `mapstructure:"game"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	HTTPAddress    string        `mapstructure:"http_address"`
	RPCAddress     string        `mapstructure:"rpc_address"`
	MetricsAddress string        `mapstructure:"metrics_address"`
	AuthTimeout    time.Duration `mapstructure:"auth_timeout"`
	SendQueueSize  int           `mapstructure:"send_queue_size"`
}

type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver"` // postgres | memory
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type GameConfig struct {
	RatingWindow              int `mapstructure:"rating_window"`
	WinDelta                  int `mapstructure:"win_delta"`
	LossDelta                 int `mapstructure:"loss_delta"`
	DefaultRating             int `mapstructure:"default_rating"`
	CASRetries                int `mapstructure:"cas_retries"`
	DefaultTimeControlMinutes int `mapstructure:"default_time_control_minutes"`
}

type BroadcastConfig struct {
	NATSURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type SchedulerConfig struct {
	StaleWaitingAfter time.Duration `mapstructure:"stale_waiting_after"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	SettleInterval    time.Duration `mapstructure:"settle_interval"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_address", ":8080")
	v.SetDefault("server.rpc_address", ":9090")
	v.SetDefault("server.metrics_address", ":9100")
	v.SetDefault("server.auth_timeout", 10*time.Second)
	v.SetDefault("server.send_queue_size", 256)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.dbname", "gridduel")
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "gridduel")

	v.SetDefault("game.rating_window", 100)
	v.SetDefault("game.win_delta", 200)
	v.SetDefault("game.loss_delta", -100)
	v.SetDefault("game.default_rating", 1200)
	v.SetDefault("game.cas_retries", 3)
	v.SetDefault("game.default_time_control_minutes", 10)

	v.SetDefault("broadcast.nats_url", "")
	v.SetDefault("broadcast.subject_prefix", "gridduel")

	v.SetDefault("scheduler.stale_waiting_after", 30*time.Minute)
	v.SetDefault("scheduler.sweep_interval", time.Minute)
	v.SetDefault("scheduler.settle_interval", time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// LoadConfig reads config.yaml from path. A missing file is not an error:
// defaults and environment variables (SERVER_HTTP_ADDRESS, AUTH_JWT_SECRET, ...)
// still apply. An optional .env in the working directory is loaded first.
func LoadConfig(path string) (config *Config, err error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	err = v.Unmarshal(&config)
	return
}

// DSN builds a libpq connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode)
}
