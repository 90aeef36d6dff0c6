package events

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"notary/internal/errors"
	"notary/internal/ledger"
	"notary/internal/validation"
	"notary/pkg/models"
)

// DefaultWindowBlocks 只扫描最近这么多个区块
const DefaultWindowBlocks uint64 = 40000

// Probe 查询某个家族中以 address 为父合约的创建事件
type Probe func(ctx context.Context, address string, fromBlock, toBlock uint64) ([]*models.ContractEvent, error)

// FamilyProbe 家族与其探测函数
type FamilyProbe struct {
	Family models.ContractFamily
	Probe  Probe
}

// FamilyDetector 合约家族检测接口
type FamilyDetector interface {
	DetectDetailed(ctx context.Context, address string) (*models.Detection, error)
}

// Detector 依次探测各家族的创建事件，第一个命中的家族即为结果
type Detector struct {
	client    ledger.Client
	probes    []FamilyProbe
	window    uint64
	validator *validation.Validator
	recorder  *errors.Recorder
	logger    *logrus.Logger
	now       func() time.Time
}

// NewDetector 创建检测器，probes 的顺序即探测顺序
func NewDetector(client ledger.Client, probes []FamilyProbe, window uint64, recorder *errors.Recorder, logger *logrus.Logger) *Detector {
	if window == 0 {
		window = DefaultWindowBlocks
	}
	if logger == nil {
		logger = logrus.New()
	}
	if recorder == nil {
		recorder = errors.NewRecorder(logger)
	}
	return &Detector{
		client:    client,
		probes:    probes,
		window:    window,
		validator: validation.NewValidator(logger, false),
		recorder:  recorder,
		logger:    logger,
		now:       time.Now,
	}
}

// Detect 返回 address 所属的合约家族
func (d *Detector) Detect(ctx context.Context, address string) (models.ContractFamily, error) {
	detection, err := d.DetectDetailed(ctx, address)
	if err != nil {
		return models.FamilyUnknown, err
	}
	return detection.Family, nil
}

// DetectDetailed 返回包含扫描窗口的检测结果
func (d *Detector) DetectDetailed(ctx context.Context, address string) (*models.Detection, error) {
	if d == nil || d.client == nil {
		return nil, errors.ProviderUnavailable("detector")
	}
	if err := d.validator.ValidateAddress(address); err != nil {
		return nil, err
	}

	log := d.logger.WithFields(logrus.Fields{
		"component": "detector",
		"address":   address,
	})

	code, err := d.client.CodeAt(ctx, common.HexToAddress(address))
	if err != nil {
		return nil, errors.LedgerFailed("获取合约代码", err)
	}
	if len(code) == 0 {
		return nil, errors.NotFound(address)
	}

	height, err := d.client.BlockNumber(ctx)
	if err != nil {
		return nil, errors.LedgerFailed("获取链高度", err)
	}
	window := models.RecentWindow(height, d.window)

	for _, fp := range d.probes {
		if fp.Probe == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		events, err := fp.Probe(ctx, address, window.From, window.To)
		if err != nil {
			ne, ok := errors.As(err)
			if !ok {
				ne = errors.LedgerFailed("家族探测", err)
			}
			d.recorder.Record("detector", ne.WithContext("family", fp.Family.String()))
			log.WithField("family", fp.Family.String()).Warnf("家族探测失败，跳过: %v", err)
			continue
		}
		if len(events) > 0 {
			log.WithField("family", fp.Family.String()).Infof("在区间 %s 内检测到合约家族", window)
			return &models.Detection{
				Address:    common.HexToAddress(address).Hex(),
				Family:     fp.Family,
				Window:     window,
				DetectedAt: d.now().UTC(),
			}, nil
		}
	}

	log.Infof("区间 %s 内没有家族命中", window)
	return nil, errors.TypeUndetermined(address).WithContext("window", window.String())
}

// Window 扫描窗口大小
func (d *Detector) Window() uint64 {
	return d.window
}
