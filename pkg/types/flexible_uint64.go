// Package types 提供节点响应中宽松格式数值的JSON解码
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// FlexibleUint64 兼容多种节点格式的 uint64
// 支持 JSON 数字、"0x" 十六进制字符串与十进制字符串；不同客户端的 callTracer 对 gas 字段格式不一致
type FlexibleUint64 uint64

// Uint64 返回数值
func (f FlexibleUint64) Uint64() uint64 {
	return uint64(f)
}

// UnmarshalJSON 实现 json.Unmarshaler
func (f *FlexibleUint64) UnmarshalJSON(data []byte) error {
	s, quoted, err := unquote(data)
	if err != nil {
		return err
	}
	if s == "" || s == "0x" {
		*f = 0
		return nil
	}
	if quoted && has0x(s) {
		v, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return fmt.Errorf("invalid hex quantity %q: %w", s, err)
		}
		*f = FlexibleUint64(v)
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid decimal quantity %q: %w", s, err)
	}
	*f = FlexibleUint64(v)
	return nil
}

// MarshalJSON 以十六进制字符串输出，与以太坊JSON-RPC一致
func (f FlexibleUint64) MarshalJSON() ([]byte, error) {
	return json.Marshal(hexutil.Uint64(f).String())
}

// String 返回十六进制表示
func (f FlexibleUint64) String() string {
	return hexutil.Uint64(f).String()
}

// FlexibleUint256 兼容多种节点格式的 256 位数值（value 字段），null 与空串视为0
type FlexibleUint256 struct {
	uint256.Int
}

// UnmarshalJSON 实现 json.Unmarshaler
func (f *FlexibleUint256) UnmarshalJSON(data []byte) error {
	s, quoted, err := unquote(data)
	if err != nil {
		return err
	}
	f.Clear()
	if s == "" || s == "0x" || s == "null" {
		return nil
	}
	if quoted && has0x(s) {
		v, err := uint256.FromHex(normalizeHex(s))
		if err != nil {
			return fmt.Errorf("invalid hex quantity %q: %w", s, err)
		}
		f.Set(v)
		return nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return fmt.Errorf("invalid decimal quantity %q: %w", s, err)
	}
	f.Set(v)
	return nil
}

func unquote(data []byte) (string, bool, error) {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", false, err
		}
		return strings.TrimSpace(s), true, nil
	}
	return string(data), false, nil
}

func has0x(s string) bool {
	return strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")
}

// normalizeHex 去掉前导零（uint256.FromHex 拒绝 "0x00.." 形式）
func normalizeHex(s string) string {
	digits := strings.TrimLeft(strings.ToLower(s[2:]), "0")
	if digits == "" {
		digits = "0"
	}
	return "0x" + digits
}
