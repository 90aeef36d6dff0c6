package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"notary/internal/api"
	"notary/internal/config"
	"notary/internal/decoder"
	"notary/internal/events"
	"notary/internal/logging"
	"notary/internal/service"
	"notary/pkg/models"
)

var (
	// 全局参数
	configFile   string
	verbose      bool
	outputFormat string

	// 事件查询参数
	eventName string
	abiSource string
	fromBlock uint64
	toBlock   uint64
	limit     int
	filters   []string
	fromTime  string
	toTime    string

	// 定位参数
	timestamp  uint64
	startBlock uint64
	endBlock   uint64

	// 服务参数
	port int
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "notary",
		Short:        "合约家族识别与事件检索工具",
		Long:         `识别合约所属的工厂家族，按区块或时间区间检索合约事件，并查询父合约的版本历史`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "", "结果输出格式 (none, json, kafka)，覆盖配置文件")

	detectCmd := &cobra.Command{
		Use:   "detect <address>",
		Short: "识别合约所属家族",
		Args:  cobra.ExactArgs(1),
		RunE:  runDetect,
	}

	eventsCmd := &cobra.Command{
		Use:   "events <contract>",
		Short: "按区块区间检索事件",
		Args:  cobra.ExactArgs(1),
		RunE:  runEvents,
	}
	eventsCmd.Flags().StringVar(&eventName, "event", "", "事件名，工厂合约可省略")
	eventsCmd.Flags().StringVar(&abiSource, "abi", "", "ABI 文件路径或 JSON 文本，用于非工厂合约")
	eventsCmd.Flags().Uint64Var(&fromBlock, "from-block", 0, "起始区块号")
	eventsCmd.Flags().Uint64Var(&toBlock, "to-block", 0, "结束区块号，默认链头")
	eventsCmd.Flags().IntVar(&limit, "limit", 0, "最多返回的事件数，0 表示不限制")
	eventsCmd.Flags().StringArrayVar(&filters, "filter", nil, "索引参数过滤，格式 name=value，可重复")

	byTimeCmd := &cobra.Command{
		Use:   "events-by-time <contract>",
		Short: "按时间区间检索事件",
		Args:  cobra.ExactArgs(1),
		RunE:  runEventsByTime,
	}
	byTimeCmd.Flags().StringVar(&eventName, "event", "", "事件名，工厂合约可省略")
	byTimeCmd.Flags().StringVar(&abiSource, "abi", "", "ABI 文件路径或 JSON 文本，用于非工厂合约")
	byTimeCmd.Flags().StringVar(&fromTime, "from", "", "起始时间 (RFC3339)")
	byTimeCmd.Flags().StringVar(&toTime, "to", "", "结束时间 (RFC3339)")
	_ = byTimeCmd.MarkFlagRequired("from")
	_ = byTimeCmd.MarkFlagRequired("to")

	locateCmd := &cobra.Command{
		Use:   "locate",
		Short: "定位时间戳对应的区块",
		Args:  cobra.NoArgs,
		RunE:  runLocate,
	}
	locateCmd.Flags().Uint64Var(&timestamp, "timestamp", 0, "Unix 时间戳（秒）")
	locateCmd.Flags().Uint64Var(&startBlock, "start", 0, "搜索下界")
	locateCmd.Flags().Uint64Var(&endBlock, "end", 0, "搜索上界，默认链头")
	_ = locateCmd.MarkFlagRequired("timestamp")

	versionsCmd := &cobra.Command{
		Use:   "versions <family> <parent>",
		Short: "查询父合约的版本历史",
		Args:  cobra.ExactArgs(2),
		RunE:  runVersions,
	}
	versionsCmd.Flags().Uint64Var(&fromBlock, "from-block", 0, "起始区块号")
	versionsCmd.Flags().IntVar(&limit, "limit", 0, "最多返回的版本数，0 表示不限制")

	// 缓存管理子命令
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "管理检测结果缓存",
	}
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "forget <address>",
		Short: "删除单个地址的检测结果",
		Args:  cobra.ExactArgs(1),
		RunE:  runCacheForget,
	})
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "清空检测结果缓存",
		Args:  cobra.NoArgs,
		RunE:  runCacheReset,
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP API 服务",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&port, "port", 0, "API 服务端口，默认取配置文件")

	rootCmd.AddCommand(detectCmd, eventsCmd, byTimeCmd, locateCmd, versionsCmd, cacheCmd, serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

// setup 加载配置并创建日志器，返回日志输出的关闭器
func setup() (*config.Config, *logrus.Logger, io.Closer, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if outputFormat != "" {
		cfg.Output.Format = outputFormat
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger, logCloser, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, logger, logCloser, nil
}

// withService 创建服务执行 fn，结束后释放服务和日志资源
func withService(ctx context.Context, fn func(svc *service.Service, logger *logrus.Logger) error) error {
	cfg, logger, logCloser, err := setup()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	svc, err := service.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("初始化服务失败: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warnf("关闭服务失败: %v", err)
		}
	}()

	return fn(svc, logger)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runDetect(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(svc *service.Service, _ *logrus.Logger) error {
		detection, err := svc.Detect(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), detection)
	})
}

func runEvents(cmd *cobra.Command, args []string) error {
	opts := models.EventQueryOptions{Limit: limit}
	if cmd.Flags().Changed("from-block") {
		opts.FromBlock = &fromBlock
	}
	if cmd.Flags().Changed("to-block") {
		opts.ToBlock = &toBlock
	}
	indexed, err := parseFilters(filters)
	if err != nil {
		return err
	}
	opts.IndexedFilters = indexed

	return queryEvents(cmd, args[0], opts)
}

func runEventsByTime(cmd *cobra.Command, args []string) error {
	from, err := time.Parse(time.RFC3339, fromTime)
	if err != nil {
		return fmt.Errorf("--from 格式错误: %w", err)
	}
	to, err := time.Parse(time.RFC3339, toTime)
	if err != nil {
		return fmt.Errorf("--to 格式错误: %w", err)
	}
	return queryEvents(cmd, args[0], models.EventQueryOptions{FromDate: &from, ToDate: &to})
}

// queryEvents 查询失败时仍输出尽力而为的结果，并以非零状态退出
func queryEvents(cmd *cobra.Command, contract string, opts models.EventQueryOptions) error {
	var abiText string
	if abiSource != "" {
		text, err := decoder.LoadABI(abiSource)
		if err != nil {
			return err
		}
		abiText = text
	}

	return withService(cmd.Context(), func(svc *service.Service, _ *logrus.Logger) error {
		found, err := svc.Events(cmd.Context(), contract, abiText, eventName, opts)
		if perr := printJSON(cmd.OutOrStdout(), models.BestEffort(found, err)); perr != nil {
			return perr
		}
		return err
	})
}

func runLocate(cmd *cobra.Command, args []string) error {
	var end *uint64
	if cmd.Flags().Changed("end") {
		end = &endBlock
	}

	return withService(cmd.Context(), func(svc *service.Service, _ *logrus.Logger) error {
		block, err := svc.Locate(cmd.Context(), timestamp, startBlock, end)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]uint64{
			"timestamp": timestamp,
			"block":     block,
		})
	})
}

func runVersions(cmd *cobra.Command, args []string) error {
	family, err := models.ParseContractFamily(args[0])
	if err != nil {
		return err
	}

	return withService(cmd.Context(), func(svc *service.Service, _ *logrus.Logger) error {
		versions, err := svc.Versions(cmd.Context(), family, args[1], events.HistoryOptions{
			FromBlock: fromBlock,
			Limit:     limit,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), versions)
	})
}

func runCacheForget(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(svc *service.Service, logger *logrus.Logger) error {
		removed, err := svc.ForgetDetection(args[0])
		if err != nil {
			return err
		}
		if removed {
			logger.Infof("已删除 %s 的检测结果", args[0])
		} else {
			logger.Infof("%s 没有缓存的检测结果", args[0])
		}
		return nil
	})
}

func runCacheReset(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(svc *service.Service, logger *logrus.Logger) error {
		if err := svc.ResetCache(); err != nil {
			return err
		}
		logger.Info("检测结果缓存已清空")
		return nil
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, logCloser, err := setup()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	// 服务由停机流程关闭
	svc, err := service.New(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("初始化服务失败: %w", err)
	}

	listen := port
	if listen == 0 {
		listen = cfg.API.Port
	}
	return api.Run(cmd.Context(), svc, logger, listen)
}

// parseFilters 解析 name=value 形式的索引参数过滤条件
func parseFilters(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(raw))
	for _, f := range raw {
		name, value, ok := strings.Cut(f, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("过滤条件格式错误: %q，应为 name=value", f)
		}
		out[name] = value
	}
	return out, nil
}
