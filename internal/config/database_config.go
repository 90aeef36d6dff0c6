package config

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// DatabaseConfig 数据库配置源，节点和家族注册表保存在 PostgreSQL 中
type DatabaseConfig struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// NewDatabaseConfig 创建数据库配置管理器
func NewDatabaseConfig(dsn string, logger *logrus.Logger) (*DatabaseConfig, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return NewDatabaseConfigFromDB(db, logger), nil
}

// NewDatabaseConfigFromDB 使用已有连接创建配置管理器
func NewDatabaseConfigFromDB(db *sql.DB, logger *logrus.Logger) *DatabaseConfig {
	if logger == nil {
		logger = logrus.New()
	}
	return &DatabaseConfig{DB: db, logger: logger}
}

// LoadConfig 从数据库加载配置，数据库未提供的部分使用默认值
func (dc *DatabaseConfig) LoadConfig() (*Config, error) {
	config := &Config{}

	nodes, err := dc.loadNodes()
	if err != nil {
		return nil, fmt.Errorf("加载节点配置失败: %w", err)
	}
	config.Ledger = &LedgerConfig{Nodes: nodes}

	families, err := dc.loadFamilies()
	if err != nil {
		return nil, fmt.Errorf("加载合约家族配置失败: %w", err)
	}
	config.Families = families

	config.applyDefaults()

	if err := dc.applySettings(config); err != nil {
		return nil, fmt.Errorf("加载运行参数失败: %w", err)
	}

	return config, nil
}

// loadNodes 加载节点配置
func (dc *DatabaseConfig) loadNodes() ([]*NodeConfig, error) {
	query := `SELECT name, url, node_type, rate_limit, priority FROM ledger_nodes WHERE is_active = true ORDER BY priority`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*NodeConfig
	for rows.Next() {
		var node NodeConfig
		if err := rows.Scan(&node.Name, &node.URL, &node.Type, &node.RateLimit, &node.Priority); err != nil {
			return nil, err
		}
		nodes = append(nodes, &node)
	}
	return nodes, rows.Err()
}

// loadFamilies 加载合约家族注册表
func (dc *DatabaseConfig) loadFamilies() ([]*FamilyConfig, error) {
	query := `SELECT name, factory_address, event_name, parent_field, COALESCE(abi, '') FROM contract_families WHERE is_active = true`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var families []*FamilyConfig
	for rows.Next() {
		var fam FamilyConfig
		if err := rows.Scan(&fam.Name, &fam.Factory, &fam.Event, &fam.ParentField, &fam.ABI); err != nil {
			return nil, err
		}
		families = append(families, &fam)
	}
	return families, rows.Err()
}

// applySettings 读取 notary_settings 键值表覆盖运行参数
func (dc *DatabaseConfig) applySettings(config *Config) error {
	query := `SELECT config_key, config_value FROM notary_settings WHERE is_active = true`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}

		switch key {
		case "max_block_range":
			if v, err := strconv.ParseUint(value, 10, 64); err == nil {
				config.Fetcher.MaxBlockRange = v
			}
		case "block_concurrency":
			if v, err := strconv.Atoi(value); err == nil {
				config.Fetcher.BlockConcurrency = v
			}
		case "window_blocks":
			if v, err := strconv.ParseUint(value, 10, 64); err == nil {
				config.Detector.WindowBlocks = v
			}
		case "locator_max_attempts":
			if v, err := strconv.Atoi(value); err == nil {
				config.Locator.MaxAttempts = v
			}
		case "locator_initial_interval":
			if v, err := time.ParseDuration(value); err == nil {
				config.Locator.InitialInterval = v
			}
		case "store_enabled":
			config.Store.Enabled = strings.ToLower(value) == "true"
		case "store_path":
			config.Store.Path = value
		case "output_format":
			config.Output.Format = value
		case "kafka_brokers":
			config.Output.Kafka.Brokers = strings.Split(value, ",")
		default:
			dc.logger.Debugf("忽略未知配置项: %s", key)
		}
	}
	return rows.Err()
}

// UpdateSetting 更新运行参数
func (dc *DatabaseConfig) UpdateSetting(key, value string) error {
	query := `
		INSERT INTO notary_settings (config_key, config_value, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (config_key)
		DO UPDATE SET config_value = $2, updated_at = CURRENT_TIMESTAMP
	`
	_, err := dc.DB.Exec(query, key, value)
	return err
}

// ListSettings 列出全部生效的运行参数
func (dc *DatabaseConfig) ListSettings() (map[string]string, error) {
	rows, err := dc.DB.Query(`SELECT config_key, config_value FROM notary_settings WHERE is_active = true ORDER BY config_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

// Close 关闭数据库连接
func (dc *DatabaseConfig) Close() error {
	if dc.DB != nil {
		return dc.DB.Close()
	}
	return nil
}
