package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"notary/internal/errors"
	"notary/internal/events"
	"notary/internal/service"
	"notary/pkg/models"
)

// Server API服务器
type Server struct {
	svc        *service.Service
	configs    *ConfigManager
	logger     *logrus.Logger
	logManager *LogManager
	server     *http.Server
	mu         sync.Mutex
	port       int
	started    time.Time
}

// NewServer 创建新的API服务器
func NewServer(svc *service.Service, configs *ConfigManager, logger *logrus.Logger, port int) *Server {
	// 最多保存1000条日志
	logManager := NewLogManager(1000)
	logger.AddHook(NewLogHook(logManager))

	if configs == nil {
		configs = NewConfigManager(svc.Config(), nil, logger)
	}

	return &Server{
		svc:        svc,
		configs:    configs,
		logger:     logger,
		logManager: logManager,
		port:       port,
		started:    time.Now(),
	}
}

// Router 构建路由
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	// CORS
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	s.setupRoutes(router)
	return router
}

// Start 启动API服务器，阻塞直到服务器关闭
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.logger.Infof("API服务器启动在端口 %d", s.port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 停止API服务器
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("正在关闭API服务器...")
	return srv.Shutdown(ctx)
}

func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.healthCheck)

	api := router.Group("/api/v1")
	{
		contracts := api.Group("/contracts/:address")
		contracts.GET("/type", s.detectType)
		contracts.GET("/events", s.getEvents)
		contracts.GET("/events/by-time", s.getEventsByTime)
		contracts.GET("/versions", s.getVersions)

		api.GET("/blocks/locate", s.locateBlock)

		api.GET("/stats", s.getStats)

		// 日志管理
		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)

		// 配置管理
		api.GET("/config", s.configs.GetConfig)
		api.GET("/settings", s.configs.GetSettings)
		api.PUT("/settings", s.configs.UpdateSetting)
		api.GET("/nodes", s.configs.GetNodes)
		api.GET("/families", s.configs.GetFamilies)
	}
}

// statusFor 把错误类型映射为 HTTP 状态码
func statusFor(err error) int {
	ne, ok := errors.As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch ne.Type {
	case errors.ErrorTypeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrorTypeNotFound:
		return http.StatusNotFound
	case errors.ErrorTypeTypeUndetermined:
		return http.StatusUnprocessableEntity
	case errors.ErrorTypeProviderUnavailable:
		return http.StatusServiceUnavailable
	case errors.ErrorTypeQueryFailed, errors.ErrorTypeBlockUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) gin.H {
	body := gin.H{"error": err.Error()}
	if ne, ok := errors.As(err); ok {
		body["error"] = ne.Detail()
		body["code"] = ne.Code
		body["type"] = ne.Type.String()
	}
	return body
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "notary-api",
	})
}

// detectType 检测合约家族
func (s *Server) detectType(c *gin.Context) {
	detection, err := s.svc.Detect(c.Request.Context(), c.Param("address"))
	if err != nil {
		c.JSON(statusFor(err), errorBody(err))
		return
	}
	c.JSON(http.StatusOK, detection)
}

// getEvents 按区块区间检索事件
func (s *Server) getEvents(c *gin.Context) {
	opts, err := parseEventQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.BestEffort(nil, err))
		return
	}

	found, err := s.svc.Events(c.Request.Context(), c.Param("address"), c.Query("abi"), c.Query("event"), opts)
	s.writeFetchResult(c, found, err)
}

// getEventsByTime 按时间区间检索事件
func (s *Server) getEventsByTime(c *gin.Context) {
	opts, err := parseEventQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.BestEffort(nil, err))
		return
	}
	from, err := parseTime(c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.BestEffort(nil, errors.InvalidInput("from 参数无效: %v", err)))
		return
	}
	to, err := parseTime(c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.BestEffort(nil, errors.InvalidInput("to 参数无效: %v", err)))
		return
	}
	opts.FromDate = &from
	opts.ToDate = &to

	found, err := s.svc.Events(c.Request.Context(), c.Param("address"), c.Query("abi"), c.Query("event"), opts)
	s.writeFetchResult(c, found, err)
}

// writeFetchResult 查询失败时仍返回 200，错误信息放在 error 字段；参数错误返回 400
func (s *Server) writeFetchResult(c *gin.Context, found []*models.ContractEvent, err error) {
	status := http.StatusOK
	if errors.IsType(err, errors.ErrorTypeInvalidInput) {
		status = http.StatusBadRequest
	}
	c.JSON(status, models.BestEffort(found, err))
}

// getVersions 查询父合约的版本历史
func (s *Server) getVersions(c *gin.Context) {
	family, err := models.ParseContractFamily(c.Query("family"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(errors.InvalidInput("%v", err)))
		return
	}

	var opts events.HistoryOptions
	if v := c.Query("fromBlock"); v != "" {
		if opts.FromBlock, err = strconv.ParseUint(v, 10, 64); err != nil {
			c.JSON(http.StatusBadRequest, errorBody(errors.InvalidInput("fromBlock 参数无效: %s", v)))
			return
		}
	}
	if opts.ToBlock, err = optionalUint(c.Query("toBlock")); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(errors.InvalidInput("toBlock 参数无效: %s", c.Query("toBlock"))))
		return
	}
	if v := c.Query("limit"); v != "" {
		if opts.Limit, err = strconv.Atoi(v); err != nil {
			c.JSON(http.StatusBadRequest, errorBody(errors.InvalidInput("limit 参数无效: %s", v)))
			return
		}
	}

	versions, err := s.svc.Versions(c.Request.Context(), family, c.Param("address"), opts)
	if err != nil {
		c.JSON(statusFor(err), errorBody(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"family":   family,
		"parent":   c.Param("address"),
		"versions": versions,
		"total":    len(versions),
	})
}

// locateBlock 定位时间戳对应的区块
func (s *Server) locateBlock(c *gin.Context) {
	ts, err := strconv.ParseUint(c.Query("timestamp"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(errors.InvalidInput("timestamp 参数无效: %q", c.Query("timestamp"))))
		return
	}
	var start uint64
	if v := c.Query("start"); v != "" {
		if start, err = strconv.ParseUint(v, 10, 64); err != nil {
			c.JSON(http.StatusBadRequest, errorBody(errors.InvalidInput("start 参数无效: %s", v)))
			return
		}
	}
	end, err := optionalUint(c.Query("end"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(errors.InvalidInput("end 参数无效: %s", c.Query("end"))))
		return
	}

	block, err := s.svc.Locate(c.Request.Context(), ts, start, end)
	if err != nil {
		c.JSON(statusFor(err), errorBody(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"timestamp": ts,
		"block":     block,
	})
}

// getStats 获取统计信息
func (s *Server) getStats(c *gin.Context) {
	stats := s.svc.GetStats()
	stats["uptime"] = time.Since(s.started).String()
	stats["error_stats"] = s.svc.ErrorStats()
	c.JSON(http.StatusOK, stats)
}

// getLogs 获取日志
func (s *Server) getLogs(c *gin.Context) {
	level := c.Query("level")

	page := 1 // 默认第1页
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}
	pageSize := 20 // 默认每页20条
	if ps, err := strconv.Atoi(c.Query("pageSize")); err == nil && ps > 0 {
		pageSize = ps
	}

	logs, total := s.logManager.GetLogsWithPagination(level, page, pageSize)

	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
		"level":    level,
	})
}

// clearLogs 清空日志
func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()
	c.JSON(http.StatusOK, gin.H{
		"message": "日志已清空",
	})
}

// parseEventQuery 解析 fromBlock, toBlock, limit 和 filter.<name> 参数
func parseEventQuery(c *gin.Context) (models.EventQueryOptions, error) {
	var opts models.EventQueryOptions
	var err error

	if opts.FromBlock, err = optionalUint(c.Query("fromBlock")); err != nil {
		return opts, errors.InvalidInput("fromBlock 参数无效: %s", c.Query("fromBlock"))
	}
	if opts.ToBlock, err = optionalUint(c.Query("toBlock")); err != nil {
		return opts, errors.InvalidInput("toBlock 参数无效: %s", c.Query("toBlock"))
	}
	if v := c.Query("limit"); v != "" {
		if opts.Limit, err = strconv.Atoi(v); err != nil {
			return opts, errors.InvalidInput("limit 参数无效: %s", v)
		}
	}

	for key, values := range c.Request.URL.Query() {
		name, ok := strings.CutPrefix(key, "filter.")
		if !ok || name == "" || len(values) == 0 {
			continue
		}
		if opts.IndexedFilters == nil {
			opts.IndexedFilters = make(map[string]any)
		}
		opts.IndexedFilters[name] = values[0]
	}
	return opts, nil
}

func optionalUint(v string) (*uint64, error) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// parseTime 支持 RFC3339 和 Unix 秒
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, fmt.Errorf("缺少时间参数")
	}
	if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, v)
}
