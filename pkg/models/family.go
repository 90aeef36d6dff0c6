package models

import (
	"fmt"
	"strings"
	"time"
)

// ContractFamily 合约家族，封闭枚举
type ContractFamily int

const (
	FamilyUnknown ContractFamily = iota
	FamilyBroadcast
	FamilyPublic
	FamilyPrivate
)

var familyNames = map[ContractFamily]string{
	FamilyBroadcast: "broadcast",
	FamilyPublic:    "public",
	FamilyPrivate:   "private",
}

// AllFamilies 返回固定的探测顺序
func AllFamilies() []ContractFamily {
	return []ContractFamily{FamilyBroadcast, FamilyPublic, FamilyPrivate}
}

// String 返回家族名称
func (f ContractFamily) String() string {
	if name, ok := familyNames[f]; ok {
		return name
	}
	return "unknown"
}

// Valid 是否为已知家族
func (f ContractFamily) Valid() bool {
	_, ok := familyNames[f]
	return ok
}

// ParseContractFamily 从字符串解析家族
func ParseContractFamily(s string) (ContractFamily, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for f, name := range familyNames {
		if name == key {
			return f, nil
		}
	}
	return FamilyUnknown, fmt.Errorf("未知的合约家族: %q", s)
}

// MarshalText 实现 encoding.TextMarshaler
func (f ContractFamily) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("无效的合约家族: %d", int(f))
	}
	return []byte(f.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler
func (f *ContractFamily) UnmarshalText(text []byte) error {
	parsed, err := ParseContractFamily(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Detection 一次类型检测的结果
type Detection struct {
	Address    string         `json:"address"`
	Family     ContractFamily `json:"family"`
	Window     BlockRange     `json:"window"`
	DetectedAt time.Time      `json:"detected_at"`
	Cached     bool           `json:"cached"`
}
