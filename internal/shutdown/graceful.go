package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序，数字越小越早执行
const (
	OrderStopAcceptingRequests = 10 // 停止接受新请求
	OrderFlushOutput           = 30 // 刷新结果输出
	OrderCloseStore            = 50 // 关闭检测结果缓存
	OrderCloseLedger           = 60 // 关闭账本节点连接
)

// ShutdownFunc 停机处理函数
type ShutdownFunc struct {
	Name  string
	Func  func(ctx context.Context) error
	Order int
}

// GracefulShutdown 优雅停机管理器
type GracefulShutdown struct {
	logger         *logrus.Logger
	timeout        time.Duration
	shutdownFuncs  []ShutdownFunc
	mu             sync.Mutex
	isShuttingDown bool
}

// NewGracefulShutdown 创建优雅停机管理器
func NewGracefulShutdown(timeout time.Duration, logger *logrus.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second // 默认30秒超时
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &GracefulShutdown{
		logger:  logger,
		timeout: timeout,
	}
}

// RegisterShutdownFunc 注册停机处理函数
func (gs *GracefulShutdown) RegisterShutdownFunc(name string, fn func(ctx context.Context) error, order int) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.shutdownFuncs = append(gs.shutdownFuncs, ShutdownFunc{Name: name, Func: fn, Order: order})
	gs.logger.Debugf("注册停机处理函数: %s (order: %d)", name, order)
}

// WaitForSignal 阻塞到收到 SIGINT/SIGTERM 或 ctx 结束，然后执行停机
func (gs *GracefulShutdown) WaitForSignal(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	<-sigCtx.Done()
	gs.logger.Info("收到停机信号")
	return gs.Shutdown()
}

// Shutdown 按顺序执行停机函数，重复调用只执行一次
func (gs *GracefulShutdown) Shutdown() error {
	gs.mu.Lock()
	if gs.isShuttingDown {
		gs.mu.Unlock()
		gs.logger.Warn("停机过程已在进行中")
		return nil
	}
	gs.isShuttingDown = true
	funcs := make([]ShutdownFunc, len(gs.shutdownFuncs))
	copy(funcs, gs.shutdownFuncs)
	gs.mu.Unlock()

	sort.SliceStable(funcs, func(i, j int) bool {
		return funcs[i].Order < funcs[j].Order
	})

	gs.logger.Info("开始优雅停机流程...")
	ctx, cancel := context.WithTimeout(context.Background(), gs.timeout)
	defer cancel()

	var shutdownErrors []error
	for _, fn := range funcs {
		if ctx.Err() != nil {
			gs.logger.Warnf("停机超时，跳过 %s", fn.Name)
			shutdownErrors = append(shutdownErrors, fmt.Errorf("%s: %w", fn.Name, ctx.Err()))
			continue
		}

		start := time.Now()
		if err := fn.Func(ctx); err != nil {
			gs.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", fn.Name, time.Since(start), err)
			shutdownErrors = append(shutdownErrors, fmt.Errorf("%s: %w", fn.Name, err))
			continue
		}
		gs.logger.Debugf("停机处理 '%s' 完成 (耗时: %v)", fn.Name, time.Since(start))
	}

	if len(shutdownErrors) > 0 {
		return fmt.Errorf("停机过程中发生 %d 个错误: %v", len(shutdownErrors), shutdownErrors)
	}
	gs.logger.Info("优雅停机流程完成")
	return nil
}

// GetRegisteredFunctions 按执行顺序返回已注册的停机函数名
func (gs *GracefulShutdown) GetRegisteredFunctions() []string {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	funcs := make([]ShutdownFunc, len(gs.shutdownFuncs))
	copy(funcs, gs.shutdownFuncs)
	sort.SliceStable(funcs, func(i, j int) bool {
		return funcs[i].Order < funcs[j].Order
	})

	names := make([]string, len(funcs))
	for i, fn := range funcs {
		names[i] = fn.Name
	}
	return names
}
