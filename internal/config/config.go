package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config はエージェント全体の設定を保持する構造体
type Config struct {
	Server ServerConfig `yaml:"server" toml:"server"`
	Admin  AdminConfig  `yaml:"admin" toml:"admin"`
	Log    LogConfig    `yaml:"log" toml:"log"`
}

// ServerConfig は組み込みWebサーバーの設定
type ServerConfig struct {
	// リッスンするホスト
	Host string `yaml:"host" toml:"host" validate:"required,ip"`
	// 0 でサーバー無効
	Port int `yaml:"port" toml:"port" validate:"gte=0,lte=65535"`
	// 空なら組み込みコンテンツを配信
	Root string `yaml:"root" toml:"root" validate:"omitempty,dir"`

	IndexFile string `yaml:"index_file" toml:"index_file" validate:"required,excludesall=/"`
	// selectで扱えるディスクリプタ数(1024)未満に抑える
	MaxConns int `yaml:"max_conns" toml:"max_conns" validate:"gte=1,lte=1000"`
	// リクエストライン+ヘッダーの上限
	MaxRequestBytes int `yaml:"max_request_bytes" toml:"max_request_bytes" validate:"gte=512,lte=1048576"`
	// リクエストが揃うまでの待ち時間。0 なら無制限 (TOML では整数のナノ秒)
	ReadTimeout time.Duration `yaml:"read_timeout" toml:"read_timeout" validate:"gte=0s,lte=10m"`
}

// AdminConfig はステータスAPIの設定
type AdminConfig struct {
	Host string `yaml:"host" toml:"host" validate:"required,ip"`
	// 0 で無効
	Port int `yaml:"port" toml:"port" validate:"gte=0,lte=65535"`
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" validate:"oneof=console json"`
}

// Default はデフォルト値で埋めた設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			IndexFile:       "index.html",
			MaxConns:        256,
			MaxRequestBytes: 8192,
			ReadTimeout:     10 * time.Second,
		},
		Admin: AdminConfig{
			Host: "127.0.0.1",
			Port: 0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load は設定を読み込んで検証する
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// Read は設定を読み込むが検証はしない
// path が空でなければ YAML/TOML ファイルを読み、その後に環境変数で上書きする
// 呼び出し側でさらに上書きしてから Validate を呼ぶ
func Read(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// readFile は拡張子に応じて設定ファイルをデコードする
func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil {
			return fmt.Errorf("YAMLの解析に失敗 (%s): %w", path, err)
		}
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(c); err != nil {
			return fmt.Errorf("TOMLの解析に失敗 (%s): %w", path, err)
		}
	default:
		return fmt.Errorf("未対応の設定ファイル形式です: %s", path)
	}

	return nil
}

// applyEnv は環境変数の値で設定を上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("WEBSERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("WEBSERVER_PORT", c.Server.Port)
	c.Server.Root = getEnvOrDefault("WEBSERVER_PATH", c.Server.Root)
	c.Server.ReadTimeout = getEnvAsDurationOrDefault("WEBSERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Admin.Port = getEnvAsIntOrDefault("ADMIN_PORT", c.Admin.Port)
	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnvOrDefault("LOG_FORMAT", c.Log.Format)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.Server.Enabled() && c.Admin.Port != 0 &&
		c.Admin.Port == c.Server.Port && c.Admin.Host == c.Server.Host {
		return fmt.Errorf("管理APIとWebサーバーのアドレスが重複しています: %s", c.ServerAddress())
	}

	return nil
}

// Enabled はWebサーバーが有効かどうかを返す
func (s ServerConfig) Enabled() bool {
	return s.Port != 0
}

// Internal は組み込みコンテンツを配信するかどうかを返す
func (s ServerConfig) Internal() bool {
	return s.Root == ""
}

// ServerAddress はWebサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// AdminAddress は管理APIのリッスンアドレスを返す
func (c *Config) AdminAddress() string {
	return net.JoinHostPort(c.Admin.Host, strconv.Itoa(c.Admin.Port))
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsDurationOrDefault は環境変数を "10s" 形式の時間として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
