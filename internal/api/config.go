package api

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"notary/internal/config"
)

// ConfigManager 配置查询和运行参数管理
type ConfigManager struct {
	cfg      *config.Config
	dbConfig *config.DatabaseConfig // 为空时不支持修改运行参数
	logger   *logrus.Logger
}

// NewConfigManager 创建配置管理器
func NewConfigManager(cfg *config.Config, dbConfig *config.DatabaseConfig, logger *logrus.Logger) *ConfigManager {
	return &ConfigManager{
		cfg:      cfg,
		dbConfig: dbConfig,
		logger:   logger,
	}
}

// GetConfig 获取当前生效的配置，节点 URL 中的凭据会被隐藏
func (cm *ConfigManager) GetConfig(c *gin.Context) {
	if cm.cfg == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "配置未初始化"})
		return
	}

	redacted := *cm.cfg
	if cm.cfg.Ledger != nil {
		nodes := make([]*config.NodeConfig, len(cm.cfg.Ledger.Nodes))
		for i, n := range cm.cfg.Ledger.Nodes {
			copied := *n
			copied.URL = redactURL(n.URL)
			nodes[i] = &copied
		}
		ledgerCfg := *cm.cfg.Ledger
		ledgerCfg.Nodes = nodes
		redacted.Ledger = &ledgerCfg
	}

	c.JSON(http.StatusOK, gin.H{
		"config":          redacted,
		"database_source": cm.dbConfig != nil,
	})
}

// GetNodes 获取节点配置
func (cm *ConfigManager) GetNodes(c *gin.Context) {
	if cm.cfg == nil || cm.cfg.Ledger == nil || len(cm.cfg.Ledger.Nodes) == 0 {
		c.JSON(http.StatusOK, gin.H{
			"nodes":   []gin.H{},
			"total":   0,
			"message": "未配置任何节点",
		})
		return
	}

	nodes := make([]gin.H, 0, len(cm.cfg.Ledger.Nodes))
	for _, node := range cm.cfg.Ledger.Nodes {
		nodes = append(nodes, gin.H{
			"name":       node.Name,
			"type":       node.Type,
			"url":        redactURL(node.URL),
			"rate_limit": node.RateLimit,
			"priority":   node.Priority,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"nodes": nodes,
		"total": len(nodes),
	})
}

// GetFamilies 获取合约家族注册表
func (cm *ConfigManager) GetFamilies(c *gin.Context) {
	families := make([]gin.H, 0)
	if cm.cfg != nil {
		for _, fam := range cm.cfg.Families {
			families = append(families, gin.H{
				"name":         fam.Name,
				"factory":      fam.Factory,
				"event":        fam.Event,
				"parent_field": fam.ParentField,
				"custom_abi":   fam.ABI != "",
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"families": families,
		"total":    len(families),
	})
}

// GetSettings 列出数据库中的运行参数
func (cm *ConfigManager) GetSettings(c *gin.Context) {
	if cm.dbConfig == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "未启用数据库配置"})
		return
	}

	settings, err := cm.dbConfig.ListSettings()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "获取配置失败",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

// UpdateSetting 更新运行参数，重启后生效
func (cm *ConfigManager) UpdateSetting(c *gin.Context) {
	var req struct {
		Key   string `json:"key" binding:"required"`
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "请求参数错误",
			"message": err.Error(),
		})
		return
	}

	if cm.dbConfig == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "未启用数据库配置"})
		return
	}

	if err := cm.dbConfig.UpdateSetting(req.Key, req.Value); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "更新配置失败",
			"message": err.Error(),
		})
		return
	}

	cm.logger.Infof("运行参数已更新: %s", req.Key)
	c.JSON(http.StatusOK, gin.H{
		"message": "配置已更新，重启后生效",
		"key":     req.Key,
		"value":   req.Value,
	})
}

// redactURL 去掉 URL 中的用户信息，解析失败时原样返回
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.User("***")
	return u.String()
}
