package decoder

import (
	"encoding/json"
	"os"
	"strings"

	notaryerrors "notary/internal/errors"
)

// NormalizeABI 接受 ABI 数组或带 abi 字段的编译产物（Hardhat/Foundry），返回 ABI 数组文本
func NormalizeABI(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(trimmed, "["):
		return trimmed, nil
	case strings.HasPrefix(trimmed, "{"):
		var artifact struct {
			ABI json.RawMessage `json:"abi"`
		}
		if err := json.Unmarshal([]byte(trimmed), &artifact); err != nil {
			return "", notaryerrors.InvalidInput("ABI 文本不是有效的 JSON: %v", err)
		}
		if len(artifact.ABI) == 0 {
			return "", notaryerrors.InvalidInput("编译产物中缺少 abi 字段")
		}
		return NormalizeABI(string(artifact.ABI))
	default:
		return "", notaryerrors.InvalidInput("ABI 必须是 JSON 数组或包含 abi 字段的对象")
	}
}

// LoadABI 以 [ 或 { 开头的参数按 ABI 文本处理，否则按文件路径读取
func LoadABI(source string) (string, error) {
	trimmed := strings.TrimSpace(source)
	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
		return NormalizeABI(trimmed)
	}

	data, err := os.ReadFile(trimmed)
	if err != nil {
		return "", notaryerrors.InvalidInput("读取 ABI 文件失败: %v", err)
	}
	return NormalizeABI(string(data))
}
