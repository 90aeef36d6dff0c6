package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"notary/internal/errors"
	"notary/pkg/models"
)

var hashRegex = regexp.MustCompile("^0x[0-9a-fA-F]{64}$")

// Validator 输入与结果校验器
type Validator struct {
	logger     *logrus.Logger
	strictMode bool // 严格模式下零地址视为无效
	recorder   *errors.Recorder
	rules      map[string]ValidationRule
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(data interface{}) error
	Name() string
	Description() string
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool                  `json:"valid"`
	Errors   []*errors.NotaryError `json:"errors,omitempty"`
	Warnings []string              `json:"warnings,omitempty"`
	DataType string                `json:"data_type"`
}

// Err 返回第一个错误，没有错误时返回 nil
func (r *ValidationResult) Err() error {
	if r == nil || len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

// NewValidator 创建校验器
func NewValidator(logger *logrus.Logger, strictMode bool) *Validator {
	if logger == nil {
		logger = logrus.New()
	}
	v := &Validator{
		logger:     logger,
		strictMode: strictMode,
		recorder:   errors.NewRecorder(logger),
		rules:      make(map[string]ValidationRule),
	}

	// 注册默认验证规则
	v.registerDefaultRules()

	return v
}

// registerDefaultRules 注册默认验证规则
func (v *Validator) registerDefaultRules() {
	v.AddRule(NewAddressValidationRule())
	v.AddRule(NewHashValidationRule())
	v.AddRule(NewQueryValidationRule())
	v.AddRule(NewEventValidationRule())
}

// AddRule 添加验证规则
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules[rule.Name()] = rule
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

// ValidateAddress 校验合约地址，返回 InvalidInput
func (v *Validator) ValidateAddress(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.InvalidInput("地址不能为空")
	}
	if err := v.rules["address"].Validate(addr); err != nil {
		return err
	}
	if v.strictMode && common.HexToAddress(addr) == (common.Address{}) {
		return errors.InvalidInput("不允许使用零地址")
	}
	return nil
}

// ValidateQuery 校验事件查询参数
func (v *Validator) ValidateQuery(opts models.EventQueryOptions) *ValidationResult {
	result := &ValidationResult{
		Valid:    true,
		DataType: "query",
		Errors:   make([]*errors.NotaryError, 0),
		Warnings: make([]string, 0),
	}

	if err := v.rules["query"].Validate(opts); err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, asNotaryError(err, "INVALID_QUERY", "查询参数无效"))
	}

	// 反向区间按空结果处理，不算错误
	if opts.FromBlock != nil && opts.ToBlock != nil && *opts.FromBlock > *opts.ToBlock {
		result.Warnings = append(result.Warnings, fmt.Sprintf("起始区块 %d 大于结束区块 %d，结果为空", *opts.FromBlock, *opts.ToBlock))
	}
	if opts.FromDate != nil && opts.ToDate != nil && opts.FromDate.After(*opts.ToDate) {
		result.Warnings = append(result.Warnings, "起始时间晚于结束时间，结果为空")
	}

	return result
}

// ValidateEvent 校验解码后的事件
func (v *Validator) ValidateEvent(event *models.ContractEvent) *ValidationResult {
	if event == nil {
		return &ValidationResult{
			Valid:    false,
			Errors:   []*errors.NotaryError{errors.InvalidInput("事件为空")},
			DataType: "event",
		}
	}

	result := &ValidationResult{
		Valid:    true,
		DataType: "event",
		Errors:   make([]*errors.NotaryError, 0),
		Warnings: make([]string, 0),
	}

	if err := v.rules["event"].Validate(event); err != nil {
		result.Valid = false
		result.Errors = append(result.Errors,
			asNotaryError(err, "INVALID_EVENT", "事件数据无效").WithBlockNumber(event.BlockNumber))
	}

	if event.Timestamp == nil {
		result.Warnings = append(result.Warnings, "事件缺少区块时间戳")
	}

	return result
}

func asNotaryError(err error, code, message string) *errors.NotaryError {
	if ne, ok := errors.As(err); ok {
		return ne
	}
	return errors.WrapError(err, errors.ErrorTypeInvalidInput, errors.SeverityMedium, code, message)
}

// isValidHash 验证哈希格式
func isValidHash(hash string) bool {
	return hashRegex.MatchString(hash)
}

// isValidAddress 验证地址格式
func isValidAddress(addr string) bool {
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return false
	}
	return common.IsHexAddress(addr)
}

// AddressValidationRule 地址验证规则
type AddressValidationRule struct{}

func NewAddressValidationRule() *AddressValidationRule {
	return &AddressValidationRule{}
}

func (r *AddressValidationRule) Name() string {
	return "address"
}

func (r *AddressValidationRule) Description() string {
	return "以太坊地址验证规则"
}

func (r *AddressValidationRule) Validate(data interface{}) error {
	addr, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}

	if !isValidAddress(addr) {
		return errors.InvalidInput("地址格式无效: %s", addr)
	}

	return nil
}

// HashValidationRule 哈希验证规则
type HashValidationRule struct{}

func NewHashValidationRule() *HashValidationRule {
	return &HashValidationRule{}
}

func (r *HashValidationRule) Name() string {
	return "hash"
}

func (r *HashValidationRule) Description() string {
	return "哈希值验证规则"
}

func (r *HashValidationRule) Validate(data interface{}) error {
	hash, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}

	if !isValidHash(hash) {
		return errors.InvalidInput("哈希格式无效: %s", hash)
	}

	return nil
}

// QueryValidationRule 查询参数验证规则
type QueryValidationRule struct{}

func NewQueryValidationRule() *QueryValidationRule {
	return &QueryValidationRule{}
}

func (r *QueryValidationRule) Name() string {
	return "query"
}

func (r *QueryValidationRule) Description() string {
	return "事件查询参数验证规则"
}

func (r *QueryValidationRule) Validate(data interface{}) error {
	opts, ok := data.(models.EventQueryOptions)
	if !ok {
		return fmt.Errorf("数据类型不是查询参数")
	}

	if opts.Limit < 0 {
		return errors.InvalidInput("limit 不能为负数: %d", opts.Limit)
	}
	for name, value := range opts.IndexedFilters {
		if strings.TrimSpace(name) == "" {
			return errors.InvalidInput("过滤参数名不能为空")
		}
		if value == nil {
			return errors.InvalidInput("过滤参数 %s 的值为空", name)
		}
	}

	return nil
}

// EventValidationRule 事件验证规则
type EventValidationRule struct{}

func NewEventValidationRule() *EventValidationRule {
	return &EventValidationRule{}
}

func (r *EventValidationRule) Name() string {
	return "event"
}

func (r *EventValidationRule) Description() string {
	return "合约事件验证规则"
}

func (r *EventValidationRule) Validate(data interface{}) error {
	event, ok := data.(*models.ContractEvent)
	if !ok {
		return fmt.Errorf("数据类型不是合约事件")
	}

	if !isValidHash(event.TransactionHash) {
		return errors.InvalidInput("交易哈希格式无效: %s", event.TransactionHash)
	}
	if event.Contract != "" && !isValidAddress(event.Contract) {
		return errors.InvalidInput("合约地址格式无效: %s", event.Contract)
	}
	if event.EventName == "" {
		return errors.InvalidInput("事件名为空")
	}

	return nil
}

// Record 记录校验失败，返回原错误
func (v *Validator) Record(err error) error {
	v.recorder.Record("validator", err)
	return err
}

// GetValidationStats 获取验证统计信息
func (v *Validator) GetValidationStats() map[string]interface{} {
	return map[string]interface{}{
		"strict_mode":      v.strictMode,
		"registered_rules": len(v.rules),
		"error_stats":      v.recorder.Snapshot(),
	}
}
