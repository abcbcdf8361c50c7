// ============================================================================
// llmqueue 設定 - YAML 設定檔與不可變的 QueueConfig
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 讀取 YAML 設定檔，套用預設值並驗證，產生啟動後不可變的 QueueConfig
//
// 設計:
//   - Config 直接對應設定檔結構（yaml tag）
//   - QueueConfig 為核心元件共用的唯讀設定，啟動時建立一次
//   - 所有時間欄位使用 Go duration 字串（例如 "60s", "10m"）
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// 儲存後端名稱
const (
	BackendFile   = "file"
	BackendPebble = "pebble"
)

// Processor 種類
const (
	ProcessorHTTP = "http"
	ProcessorEcho = "echo"
)

// ErrInvalidConfig 設定值不合法
var ErrInvalidConfig = errors.New("invalid config")

// QueueConfig 核心元件共用的不可變設定
//
// 建立後只以值傳遞或唯讀指標分享，任何元件都不應修改
type QueueConfig struct {
	Capacity        int           // pending + running 的總上限
	MaxPerUser      int           // 單一使用者 pending + running 上限
	WorkerCount     int           // 並發執行槽數量
	RequestTimeout  time.Duration // 單一請求 processor 呼叫的超時時間
	MaxAbandoned    int           // 超時後仍在執行的 processor 呼叫上限
	RetentionWindow time.Duration // 終止狀態請求在記憶體保留多久供查詢
	PollInterval    time.Duration // worker 等待新請求時的保底喚醒間隔
	FlushInterval   time.Duration // WAL 批次寫入間隔（0 = 每次寫入都 fsync）
	CompactInterval time.Duration // WAL 壓縮成快照的間隔
	RatePerSecond   float64       // processor 呼叫速率上限（0 = 不限）
	RateBurst       int
	PersistencePath string // WAL 檔案路徑（pebble 時為資料目錄）
	SnapshotPath    string
	Backend         string
	StrictPersist   bool // 持久化失敗時拒絕入隊
}

// Config represents the complete configuration file.
type Config struct {
	Queue struct {
		Capacity        int           `yaml:"capacity"`
		MaxPerUser      int           `yaml:"max_per_user"`
		RetentionWindow time.Duration `yaml:"retention_window"`
	} `yaml:"queue"`

	Worker struct {
		WorkerCount    int           `yaml:"worker_count"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		MaxAbandoned   int           `yaml:"max_abandoned"`
		PollInterval   time.Duration `yaml:"poll_interval"`
		RatePerSecond  float64       `yaml:"rate_per_second"`
		RateBurst      int           `yaml:"rate_burst"`
	} `yaml:"worker"`

	Persistence struct {
		Backend         string        `yaml:"backend"`
		Path            string        `yaml:"path"`
		SnapshotPath    string        `yaml:"snapshot_path"`
		FlushInterval   time.Duration `yaml:"flush_interval"`
		CompactInterval time.Duration `yaml:"compact_interval"`
		Strict          bool          `yaml:"strict"`
	} `yaml:"persistence"`

	Processor struct {
		Kind     string        `yaml:"kind"`
		Endpoint string        `yaml:"endpoint"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"processor"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default 回傳含預設值的設定
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load 讀取並解析設定檔，套用預設值後驗證
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse 解析 YAML 內容
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = 100
	}
	if c.Queue.MaxPerUser == 0 {
		c.Queue.MaxPerUser = 3
	}
	if c.Queue.RetentionWindow == 0 {
		c.Queue.RetentionWindow = 10 * time.Minute
	}
	if c.Worker.WorkerCount == 0 {
		c.Worker.WorkerCount = 4
	}
	if c.Worker.RequestTimeout == 0 {
		c.Worker.RequestTimeout = 60 * time.Second
	}
	if c.Worker.MaxAbandoned == 0 {
		c.Worker.MaxAbandoned = c.Worker.WorkerCount * 2
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = time.Second
	}
	if c.Worker.RateBurst == 0 {
		c.Worker.RateBurst = 1
	}
	if c.Persistence.Backend == "" {
		c.Persistence.Backend = BackendFile
	}
	if c.Persistence.Path == "" {
		c.Persistence.Path = "data/queue.wal"
	}
	if c.Persistence.SnapshotPath == "" {
		c.Persistence.SnapshotPath = c.Persistence.Path + ".snapshot.json"
	}
	if c.Persistence.CompactInterval == 0 {
		c.Persistence.CompactInterval = 30 * time.Second
	}
	if c.Processor.Kind == "" {
		c.Processor.Kind = ProcessorEcho
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":50051"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate 檢查設定值的一致性
func (c *Config) Validate() error {
	switch {
	case c.Queue.Capacity < 1:
		return fmt.Errorf("%w: queue.capacity must be >= 1", ErrInvalidConfig)
	case c.Queue.MaxPerUser < 1:
		return fmt.Errorf("%w: queue.max_per_user must be >= 1", ErrInvalidConfig)
	case c.Queue.MaxPerUser > c.Queue.Capacity:
		return fmt.Errorf("%w: queue.max_per_user (%d) exceeds queue.capacity (%d)",
			ErrInvalidConfig, c.Queue.MaxPerUser, c.Queue.Capacity)
	case c.Worker.WorkerCount < 1:
		return fmt.Errorf("%w: worker.worker_count must be >= 1", ErrInvalidConfig)
	case c.Worker.RequestTimeout <= 0:
		return fmt.Errorf("%w: worker.request_timeout must be positive", ErrInvalidConfig)
	case c.Worker.MaxAbandoned < 0:
		return fmt.Errorf("%w: worker.max_abandoned must be >= 0", ErrInvalidConfig)
	case c.Worker.RatePerSecond < 0:
		return fmt.Errorf("%w: worker.rate_per_second must be >= 0", ErrInvalidConfig)
	case c.Persistence.FlushInterval < 0:
		return fmt.Errorf("%w: persistence.flush_interval must be >= 0", ErrInvalidConfig)
	}

	switch c.Persistence.Backend {
	case BackendFile, BackendPebble:
	default:
		return fmt.Errorf("%w: unknown persistence.backend %q", ErrInvalidConfig, c.Persistence.Backend)
	}

	switch c.Processor.Kind {
	case ProcessorEcho:
	case ProcessorHTTP:
		if c.Processor.Endpoint == "" {
			return fmt.Errorf("%w: processor.endpoint is required for http processor", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown processor.kind %q", ErrInvalidConfig, c.Processor.Kind)
	}
	return nil
}

// QueueConfig 由檔案設定產生不可變的核心設定
func (c *Config) QueueConfig() QueueConfig {
	return QueueConfig{
		Capacity:        c.Queue.Capacity,
		MaxPerUser:      c.Queue.MaxPerUser,
		WorkerCount:     c.Worker.WorkerCount,
		RequestTimeout:  c.Worker.RequestTimeout,
		MaxAbandoned:    c.Worker.MaxAbandoned,
		RetentionWindow: c.Queue.RetentionWindow,
		PollInterval:    c.Worker.PollInterval,
		FlushInterval:   c.Persistence.FlushInterval,
		CompactInterval: c.Persistence.CompactInterval,
		RatePerSecond:   c.Worker.RatePerSecond,
		RateBurst:       c.Worker.RateBurst,
		PersistencePath: c.Persistence.Path,
		SnapshotPath:    c.Persistence.SnapshotPath,
		Backend:         c.Persistence.Backend,
		StrictPersist:   c.Persistence.Strict,
	}
}
