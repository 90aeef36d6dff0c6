package connection

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"notary/internal/config"
	"notary/internal/retry"
)

// Backend 单个节点需要提供的 RPC 能力，*ethclient.Client 满足该接口
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// DialFunc 节点拨号函数
type DialFunc func(ctx context.Context, url string) (Backend, error)

// DialEthereum 默认拨号实现
func DialEthereum(ctx context.Context, url string) (Backend, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Node 已连接的节点
type Node struct {
	Config  *config.NodeConfig
	backend Backend
	limiter *rate.Limiter

	mu        sync.Mutex
	healthy   bool
	lastCheck time.Time
	failures  int
}

// Backend 返回节点的 RPC 客户端
func (n *Node) Backend() Backend {
	return n.backend
}

// Name 节点名称
func (n *Node) Name() string {
	return n.Config.Name
}

// Wait 等待节点限流令牌
func (n *Node) Wait(ctx context.Context) error {
	if n.limiter == nil {
		return nil
	}
	return n.limiter.Wait(ctx)
}

// IsHealthy 节点是否健康
func (n *Node) IsHealthy() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.healthy
}

func (n *Node) markHealth(healthy bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.healthy = healthy
	n.lastCheck = time.Now()
	if healthy {
		n.failures = 0
	} else {
		n.failures++
	}
}

// Pool 节点连接池，按优先级选择健康节点
type Pool struct {
	nodes       []*Node
	logger      *logrus.Logger
	dial        DialFunc
	retrier     *retry.Retrier
	healthCheck time.Duration
	dialTimeout time.Duration

	mu     sync.RWMutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// PoolOption 连接池选项
type PoolOption func(*Pool)

// WithDialer 替换拨号函数
func WithDialer(dial DialFunc) PoolOption {
	return func(p *Pool) { p.dial = dial }
}

// WithRetrier 拨号遇到瞬时错误时按 r 重试
func WithRetrier(r *retry.Retrier) PoolOption {
	return func(p *Pool) { p.retrier = r }
}

// WithHealthCheckInterval 设置健康检查间隔，0 表示关闭后台检查
func WithHealthCheckInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.healthCheck = d }
}

// NewPool 连接所有配置的节点，至少有一个节点可用才返回成功
func NewPool(ctx context.Context, nodes []*config.NodeConfig, logger *logrus.Logger, opts ...PoolOption) (*Pool, error) {
	if logger == nil {
		logger = logrus.New()
	}

	p := &Pool{
		logger:      logger,
		dial:        DialEthereum,
		healthCheck: 30 * time.Second,
		dialTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.retrier == nil {
		p.retrier = retry.NewRetrier(retry.RetryConfig{MaxAttempts: 1}, logger)
	}

	// 按优先级排序，数字越小优先级越高
	sorted := make([]*config.NodeConfig, len(nodes))
	copy(sorted, nodes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	for _, nc := range sorted {
		node, err := p.connect(ctx, nc)
		if err != nil {
			p.logger.Warnf("连接节点 %s 失败: %v", nc.Name, err)
			continue
		}
		p.nodes = append(p.nodes, node)
		p.logger.Infof("节点 %s 已连接", nc.Name)
	}

	if len(p.nodes) == 0 {
		return nil, fmt.Errorf("没有可用的节点")
	}

	if p.healthCheck > 0 {
		checkCtx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		p.wg.Add(1)
		go p.healthChecker(checkCtx)
	}

	return p, nil
}

// connect 拨号并用 ChainID 测试连接，瞬时错误按重试器重试
func (p *Pool) connect(ctx context.Context, nc *config.NodeConfig) (*Node, error) {
	var backend Backend
	err := p.retrier.Execute(ctx, "dial "+nc.Name, func() error {
		dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
		defer cancel()

		b, err := p.dial(dialCtx, nc.URL)
		if err != nil {
			return fmt.Errorf("连接节点失败: %w", err)
		}
		if _, err := b.ChainID(dialCtx); err != nil {
			b.Close()
			return fmt.Errorf("测试连接失败: %w", err)
		}
		backend = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	node := &Node{
		Config:    nc,
		backend:   backend,
		healthy:   true,
		lastCheck: time.Now(),
	}
	if nc.RateLimit > 0 {
		node.limiter = rate.NewLimiter(rate.Limit(nc.RateLimit), nc.RateLimit)
	}
	return node, nil
}

// Nodes 按优先级排列的健康节点；全部不健康时返回所有节点以便继续尝试
func (p *Pool) Nodes() []*Node {
	p.mu.RLock()
	defer p.mu.RUnlock()

	healthy := make([]*Node, 0, len(p.nodes))
	for _, n := range p.nodes {
		if n.IsHealthy() {
			healthy = append(healthy, n)
		}
	}
	if len(healthy) == 0 {
		return append([]*Node(nil), p.nodes...)
	}
	return healthy
}

// MarkFailed 标记节点调用失败
func (p *Pool) MarkFailed(node *Node, err error) {
	node.markHealth(false)
	p.logger.Warnf("节点 %s 调用失败，标记为不健康: %v", node.Name(), err)
}

// MarkHealthy 标记节点调用成功
func (p *Pool) MarkHealthy(node *Node) {
	if !node.IsHealthy() {
		p.logger.Infof("节点 %s 已恢复", node.Name())
	}
	node.markHealth(true)
}

// healthChecker 健康检查器
func (p *Pool) healthChecker(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.healthCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkAll(ctx)
		}
	}
}

// checkAll 对所有节点执行一次健康检查
func (p *Pool) checkAll(ctx context.Context) {
	p.mu.RLock()
	nodes := append([]*Node(nil), p.nodes...)
	p.mu.RUnlock()

	for _, n := range nodes {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := n.backend.ChainID(checkCtx)
		cancel()

		n.markHealth(err == nil)
		if err != nil {
			p.logger.Warnf("节点 %s 健康检查失败: %v", n.Name(), err)
		} else {
			p.logger.Debugf("节点 %s 健康检查通过", n.Name())
		}
	}
}

// GetStats 获取连接池统计信息
func (p *Pool) GetStats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := make(map[string]interface{}, len(p.nodes))
	for _, n := range p.nodes {
		n.mu.Lock()
		stats[n.Name()] = map[string]interface{}{
			"priority":   n.Config.Priority,
			"is_healthy": n.healthy,
			"failures":   n.failures,
			"last_check": n.lastCheck.Format(time.RFC3339),
		}
		n.mu.Unlock()
	}
	return stats
}

// Close 关闭连接池
func (p *Pool) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.nodes {
		n.backend.Close()
	}
	p.nodes = nil
	p.logger.Info("连接池已关闭")
	return nil
}
