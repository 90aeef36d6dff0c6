package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"notary/internal/logging"
	"notary/pkg/models"
)

// DefaultWindowBlocks 类型检测扫描的最近区块窗口
const DefaultWindowBlocks = 40000

// Config 主配置
type Config struct {
	Ledger     *LedgerConfig      `mapstructure:"ledger"`
	Families   []*FamilyConfig    `mapstructure:"families"`
	Fetcher    *FetcherConfig     `mapstructure:"fetcher"`
	Locator    *LocatorConfig     `mapstructure:"locator"`
	Detector   *DetectorConfig    `mapstructure:"detector"`
	Store      *StoreConfig       `mapstructure:"store"`
	Output     *OutputConfig      `mapstructure:"output"`
	Logging    *logging.LogConfig `mapstructure:"logging"`
	API        *APIConfig         `mapstructure:"api"`
	Validation *ValidationConfig  `mapstructure:"validation"`
}

// LedgerConfig 账本节点配置
type LedgerConfig struct {
	Nodes         []*NodeConfig `mapstructure:"nodes"`
	MaxAttempts   int           `mapstructure:"max_attempts"`   // 单个节点上瞬时错误的最大尝试次数
	RetryInterval time.Duration `mapstructure:"retry_interval"` // 首次重试间隔
}

// NodeConfig 节点配置
type NodeConfig struct {
	Name      string `mapstructure:"name" json:"name"`
	URL       string `mapstructure:"url" json:"url"`
	Type      string `mapstructure:"type" json:"type"`
	RateLimit int    `mapstructure:"rate_limit" json:"rate_limit"` // 每秒请求数，0 表示不限流
	Priority  int    `mapstructure:"priority" json:"priority"`
}

// FamilyConfig 合约家族配置：工厂合约地址及其创建事件
type FamilyConfig struct {
	Name        string `mapstructure:"name" json:"name"`
	Factory     string `mapstructure:"factory" json:"factory"`
	Event       string `mapstructure:"event" json:"event"`
	ParentField string `mapstructure:"parent_field" json:"parent_field"`
	ABI         string `mapstructure:"abi" json:"abi,omitempty"` // 可选，工厂合约 ABI JSON
}

// FetcherConfig 事件拉取配置
type FetcherConfig struct {
	MaxBlockRange    uint64 `mapstructure:"max_block_range"`   // 单次日志查询的最大区块跨度
	BlockConcurrency int    `mapstructure:"block_concurrency"` // 并发获取区块时间戳的数量
}

// LocatorConfig 时间戳定位的重试配置
type LocatorConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// DetectorConfig 类型检测配置
type DetectorConfig struct {
	WindowBlocks uint64 `mapstructure:"window_blocks"`
}

// StoreConfig 检测结果缓存配置
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string          `mapstructure:"brokers"`
	Topics  map[string]string `mapstructure:"topics"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	Format    string       `mapstructure:"format"` // none, json, kafka
	Directory string       `mapstructure:"directory"`
	Kafka     *KafkaConfig `mapstructure:"kafka"`
}

// ValidationConfig 输入校验配置
type ValidationConfig struct {
	StrictAddresses bool `mapstructure:"strict_addresses"` // 拒绝零地址
}

// APIConfig HTTP 服务配置
type APIConfig struct {
	Port int `mapstructure:"port"`
}

// LoadConfig 加载配置（自动检测配置源）
func LoadConfig(configPath string) (*Config, error) {
	// 首先尝试从环境变量获取数据库配置
	if dbDSN := os.Getenv("NOTARY_DB_DSN"); dbDSN != "" {
		logger := logrus.New()
		dbConfig, err := NewDatabaseConfig(dbDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("连接数据库失败: %w", err)
		}
		defer dbConfig.Close()

		config, err := dbConfig.LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("从数据库加载配置失败: %w", err)
		}

		logger.Info("已从数据库加载配置")
		return config, nil
	}

	return LoadConfigFromFile(configPath)
}

// LoadConfigFromFile 从文件加载配置，文件不存在时使用默认配置
func LoadConfigFromFile(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NOTARY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(configPath); !os.IsNotExist(statErr) {
				return nil, fmt.Errorf("读取配置文件失败: %w", err)
			}
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	config.applyDefaults()

	return config, nil
}

// applyDefaults 补全缺失的配置段
func (c *Config) applyDefaults() {
	d := GetDefaultConfig()
	if c.Ledger == nil || len(c.Ledger.Nodes) == 0 {
		c.Ledger = d.Ledger
	}
	if len(c.Families) == 0 {
		c.Families = d.Families
	}
	// 只配置了工厂地址的家族沿用默认事件定义
	for _, fam := range c.Families {
		for _, def := range d.Families {
			if !strings.EqualFold(fam.Name, def.Name) {
				continue
			}
			if fam.Event == "" {
				fam.Event = def.Event
			}
			if fam.ParentField == "" {
				fam.ParentField = def.ParentField
			}
		}
	}
	if c.Fetcher == nil {
		c.Fetcher = d.Fetcher
	}
	if c.Locator == nil {
		c.Locator = d.Locator
	}
	if c.Detector == nil {
		c.Detector = d.Detector
	}
	if c.Store == nil {
		c.Store = d.Store
	}
	if c.Output == nil {
		c.Output = d.Output
	}
	if c.Output.Kafka == nil {
		c.Output.Kafka = d.Output.Kafka
	}
	if len(c.Output.Kafka.Topics) == 0 {
		c.Output.Kafka.Topics = d.Output.Kafka.Topics
	}
	if c.Logging == nil {
		c.Logging = d.Logging
	}
	if c.API == nil {
		c.API = d.API
	}
	if c.Validation == nil {
		c.Validation = d.Validation
	}
}

// setDefaults 注册标量默认值，使环境变量覆盖生效
func setDefaults(v *viper.Viper) {
	d := GetDefaultConfig()
	v.SetDefault("ledger.max_attempts", d.Ledger.MaxAttempts)
	v.SetDefault("ledger.retry_interval", d.Ledger.RetryInterval)
	v.SetDefault("validation.strict_addresses", d.Validation.StrictAddresses)
	v.SetDefault("fetcher.max_block_range", d.Fetcher.MaxBlockRange)
	v.SetDefault("fetcher.block_concurrency", d.Fetcher.BlockConcurrency)
	v.SetDefault("locator.max_attempts", d.Locator.MaxAttempts)
	v.SetDefault("locator.initial_interval", d.Locator.InitialInterval)
	v.SetDefault("locator.max_interval", d.Locator.MaxInterval)
	v.SetDefault("detector.window_blocks", d.Detector.WindowBlocks)
	v.SetDefault("store.enabled", d.Store.Enabled)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("output.format", d.Output.Format)
	v.SetDefault("output.directory", d.Output.Directory)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("api.port", d.API.Port)
}

// DefaultFamilies 默认的三个合约家族，工厂地址需要在配置中指定
func DefaultFamilies() []*FamilyConfig {
	return []*FamilyConfig{
		{Name: "broadcast", Event: "BroadcastSubContractCreated", ParentField: "parentContract"},
		{Name: "public", Event: "PublicSubContractCreated", ParentField: "parentContract"},
		{Name: "private", Event: "PrivateSubContractCreated", ParentField: "parentContract"},
	}
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Ledger: &LedgerConfig{
			Nodes: []*NodeConfig{
				{
					Name:      "local_node",
					URL:       "http://127.0.0.1:8545",
					Type:      "local",
					RateLimit: 0,
					Priority:  1,
				},
			},
			MaxAttempts:   3,
			RetryInterval: 200 * time.Millisecond,
		},
		Families: DefaultFamilies(),
		Fetcher: &FetcherConfig{
			MaxBlockRange:    10000,
			BlockConcurrency: 8,
		},
		Locator: &LocatorConfig{
			MaxAttempts:     5,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
		Detector: &DetectorConfig{
			WindowBlocks: DefaultWindowBlocks,
		},
		Store: &StoreConfig{
			Enabled: true,
			Path:    "./data/families.db",
		},
		Output: &OutputConfig{
			Format:    "none",
			Directory: "./outputs",
			Kafka: &KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topics: map[string]string{
					"events":     "notary_contract_events",
					"detections": "notary_contract_detections",
				},
			},
		},
		Logging: logging.DefaultLogConfig(),
		API: &APIConfig{
			Port: 8080,
		},
		Validation: &ValidationConfig{},
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("配置为空")
	}
	if c.Ledger == nil || len(c.Ledger.Nodes) == 0 {
		return fmt.Errorf("至少需要配置一个节点")
	}
	for i, node := range c.Ledger.Nodes {
		if node == nil || node.Name == "" {
			return fmt.Errorf("节点 %d 缺少名称", i)
		}
		if node.URL == "" {
			return fmt.Errorf("节点 %s 缺少 URL", node.Name)
		}
		if node.RateLimit < 0 {
			return fmt.Errorf("节点 %s 的 rate_limit 不能为负数", node.Name)
		}
	}

	seen := make(map[models.ContractFamily]bool)
	for _, fam := range c.Families {
		family, err := models.ParseContractFamily(fam.Name)
		if err != nil {
			return err
		}
		if seen[family] {
			return fmt.Errorf("合约家族 %s 重复配置", fam.Name)
		}
		seen[family] = true

		if fam.Factory != "" && !common.IsHexAddress(fam.Factory) {
			return fmt.Errorf("合约家族 %s 的工厂地址无效: %s", fam.Name, fam.Factory)
		}
		if fam.Event == "" || fam.ParentField == "" {
			return fmt.Errorf("合约家族 %s 缺少事件定义", fam.Name)
		}
	}

	if c.Fetcher != nil && c.Fetcher.BlockConcurrency < 0 {
		return fmt.Errorf("block_concurrency 不能为负数")
	}
	if c.Ledger.MaxAttempts < 0 {
		return fmt.Errorf("ledger.max_attempts 不能为负数")
	}
	if c.Locator != nil && c.Locator.MaxAttempts < 0 {
		return fmt.Errorf("locator.max_attempts 不能为负数")
	}

	if c.Output != nil {
		switch c.Output.Format {
		case "", "none", "json":
		case "kafka":
			if c.Output.Kafka == nil || len(c.Output.Kafka.Brokers) == 0 {
				return fmt.Errorf("kafka 输出需要配置 brokers")
			}
		default:
			return fmt.Errorf("不支持的输出格式: %s", c.Output.Format)
		}
	}

	return nil
}

// Family 按名称查找家族配置
func (c *Config) Family(family models.ContractFamily) *FamilyConfig {
	for _, fam := range c.Families {
		if strings.EqualFold(fam.Name, family.String()) {
			return fam
		}
	}
	return nil
}
