package decoder

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	notaryerrors "notary/internal/errors"
)

// EventCodec 基于合约 ABI 的事件编解码器
type EventCodec struct {
	parsed abi.ABI
}

// NewEventCodec 解析 ABI JSON
func NewEventCodec(abiJSON string) (*EventCodec, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("解析ABI失败: %w", err)
	}
	return &EventCodec{parsed: parsed}, nil
}

// Event 按名称查找事件定义
func (c *EventCodec) Event(name string) (abi.Event, error) {
	event, ok := c.parsed.Events[name]
	if !ok {
		return abi.Event{}, notaryerrors.InvalidInput("ABI 中不存在事件 %s", name)
	}
	return event, nil
}

// Topics 构造日志过滤条件。topic0 为事件 ID，之后按事件定义中 indexed 参数的位置顺序
// 放置过滤值，未指定的位置为通配
func (c *EventCodec) Topics(eventName string, filters map[string]any) ([][]common.Hash, error) {
	event, err := c.Event(eventName)
	if err != nil {
		return nil, err
	}

	topics := [][]common.Hash{{event.ID}}
	if len(filters) == 0 {
		return topics, nil
	}

	for name := range filters {
		arg, ok := findInput(event, name)
		if !ok {
			return nil, notaryerrors.InvalidInput("事件 %s 没有参数 %s", eventName, name)
		}
		if !arg.Indexed {
			return nil, notaryerrors.InvalidInput("事件 %s 的参数 %s 不是 indexed 参数", eventName, name)
		}
	}

	var query [][]interface{}
	for _, input := range event.Inputs {
		if !input.Indexed {
			continue
		}
		value, ok := filters[input.Name]
		if !ok {
			query = append(query, nil)
			continue
		}
		converted, err := convertValue(input.Type, value)
		if err != nil {
			return nil, notaryerrors.InvalidInput("参数 %s 的过滤值无效: %v", input.Name, err)
		}
		query = append(query, []interface{}{converted})
	}

	rest, err := abi.MakeTopics(query...)
	if err != nil {
		return nil, notaryerrors.InvalidInput("构造过滤条件失败: %v", err)
	}

	// 末尾的通配位置可以省略
	for len(rest) > 0 && len(rest[len(rest)-1]) == 0 {
		rest = rest[:len(rest)-1]
	}
	return append(topics, rest...), nil
}

// Decode 解码日志，返回事件名和命名参数
func (c *EventCodec) Decode(log types.Log) (string, map[string]any, error) {
	if len(log.Topics) == 0 {
		return "", nil, fmt.Errorf("日志没有 topic")
	}

	event, err := c.parsed.EventByID(log.Topics[0])
	if err != nil {
		return "", nil, fmt.Errorf("未知事件 %s: %w", log.Topics[0].Hex(), err)
	}

	args := make(map[string]interface{})

	var indexed, nonIndexed abi.Arguments
	for _, input := range event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		} else {
			nonIndexed = append(nonIndexed, input)
		}
	}

	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(args, indexed, log.Topics[1:]); err != nil {
			return "", nil, fmt.Errorf("解析 indexed 参数失败: %w", err)
		}
	}
	if len(nonIndexed) > 0 {
		if err := nonIndexed.UnpackIntoMap(args, log.Data); err != nil {
			return "", nil, fmt.Errorf("解析非 indexed 参数失败: %w", err)
		}
	}

	return event.RawName, serializeArgs(args), nil
}

// EncodeLog 按事件定义把参数编码为 topics 和 data
func (c *EventCodec) EncodeLog(eventName string, args map[string]any) ([]common.Hash, []byte, error) {
	event, err := c.Event(eventName)
	if err != nil {
		return nil, nil, err
	}

	topics := []common.Hash{event.ID}
	var nonIndexed abi.Arguments
	var values []interface{}

	for _, input := range event.Inputs {
		value, ok := args[input.Name]
		if !ok {
			return nil, nil, fmt.Errorf("缺少参数 %s", input.Name)
		}
		converted, err := convertValue(input.Type, value)
		if err != nil {
			return nil, nil, fmt.Errorf("参数 %s: %w", input.Name, err)
		}
		if input.Indexed {
			hashes, err := abi.MakeTopics([]interface{}{converted})
			if err != nil {
				return nil, nil, err
			}
			topics = append(topics, hashes[0][0])
			continue
		}
		nonIndexed = append(nonIndexed, input)
		values = append(values, converted)
	}

	data, err := nonIndexed.Pack(values...)
	if err != nil {
		return nil, nil, fmt.Errorf("编码事件数据失败: %w", err)
	}
	return topics, data, nil
}

func findInput(event abi.Event, name string) (abi.Argument, bool) {
	for _, input := range event.Inputs {
		if input.Name == name {
			return input, true
		}
	}
	return abi.Argument{}, false
}

// convertValue 把外部输入（通常来自 CLI/HTTP 的字符串）转换为 ABI 类型对应的 Go 值
func convertValue(t abi.Type, value any) (interface{}, error) {
	switch t.T {
	case abi.AddressTy:
		switch v := value.(type) {
		case common.Address:
			return v, nil
		case string:
			if !common.IsHexAddress(v) {
				return nil, fmt.Errorf("无效地址: %s", v)
			}
			return common.HexToAddress(v), nil
		}
	case abi.UintTy, abi.IntTy:
		switch v := value.(type) {
		case *big.Int:
			return v, nil
		case uint64:
			return new(big.Int).SetUint64(v), nil
		case int:
			return big.NewInt(int64(v)), nil
		case int64:
			return big.NewInt(v), nil
		case string:
			n, ok := new(big.Int).SetString(v, 0)
			if !ok {
				return nil, fmt.Errorf("无效整数: %s", v)
			}
			return n, nil
		}
	case abi.BoolTy:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			switch strings.ToLower(v) {
			case "true":
				return true, nil
			case "false":
				return false, nil
			}
			return nil, fmt.Errorf("无效布尔值: %s", v)
		}
	case abi.StringTy:
		if v, ok := value.(string); ok {
			return v, nil
		}
	case abi.FixedBytesTy:
		switch v := value.(type) {
		case common.Hash:
			return v, nil
		case string:
			return common.HexToHash(v), nil
		}
	case abi.BytesTy:
		switch v := value.(type) {
		case []byte:
			return v, nil
		case string:
			return common.FromHex(v), nil
		}
	}
	return nil, fmt.Errorf("不支持将 %T 转换为 %s", value, t.String())
}

// serializeArgs 把 ABI 解码结果转换为可 JSON 序列化的值
func serializeArgs(args map[string]interface{}) map[string]any {
	result := make(map[string]any, len(args))
	for key, value := range args {
		result[key] = serializeValue(value)
	}
	return result
}

func serializeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case *big.Int:
		return v.String()
	case common.Address:
		return v.Hex()
	case common.Hash:
		return v.Hex()
	case [32]byte:
		return common.Hash(v).Hex()
	case []byte:
		return "0x" + common.Bytes2Hex(v)
	case []interface{}:
		result := make([]interface{}, len(v))
		for i, item := range v {
			result[i] = serializeValue(item)
		}
		return result
	default:
		return value
	}
}

// Registry 按 ABI 文本缓存已解析的编解码器
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]*EventCodec
}

// NewRegistry 创建编解码器缓存
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]*EventCodec)}
}

// Codec 获取 ABI 对应的编解码器，空 ABI 使用默认的工厂合约 ABI
func (r *Registry) Codec(abiJSON string) (*EventCodec, error) {
	if abiJSON == "" {
		abiJSON = FactoryABI
	}

	r.mu.RLock()
	codec, ok := r.codecs[abiJSON]
	r.mu.RUnlock()
	if ok {
		return codec, nil
	}

	codec, err := NewEventCodec(abiJSON)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.codecs[abiJSON] = codec
	r.mu.Unlock()
	return codec, nil
}

// GetCacheSize 缓存的编解码器数量
func (r *Registry) GetCacheSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.codecs)
}
