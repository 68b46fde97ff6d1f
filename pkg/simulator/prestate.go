package simulator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// AccountOverride 单个账户的具体状态覆盖，字段与 debug_traceCall 的 stateOverrides 一致
type AccountOverride struct {
	Balance   *hexutil.Big                `json:"balance,omitempty"`
	Nonce     *hexutil.Uint64             `json:"nonce,omitempty"`
	Code      hexutil.Bytes               `json:"code,omitempty"`
	StateDiff map[common.Hash]common.Hash `json:"stateDiff,omitempty"`
}

// StateOverride 执行前应用的具体状态覆盖
type StateOverride map[common.Address]*AccountOverride

func (s StateOverride) account(addr common.Address) *AccountOverride {
	acc, ok := s[addr]
	if !ok || acc == nil {
		acc = &AccountOverride{}
		s[addr] = acc
	}
	return acc
}

// SetBalance 设置账户余额
func (s StateOverride) SetBalance(addr common.Address, v *uint256.Int) {
	s.account(addr).Balance = (*hexutil.Big)(v.ToBig())
}

// SetNonce 设置账户nonce
func (s StateOverride) SetNonce(addr common.Address, nonce uint64) {
	n := hexutil.Uint64(nonce)
	s.account(addr).Nonce = &n
}

// SetCode 设置账户代码
func (s StateOverride) SetCode(addr common.Address, code []byte) {
	s.account(addr).Code = common.CopyBytes(code)
}

// SetStorage 写入单个存储槽位
func (s StateOverride) SetStorage(addr common.Address, slot, value common.Hash) {
	acc := s.account(addr)
	if acc.StateDiff == nil {
		acc.StateDiff = make(map[common.Hash]common.Hash)
	}
	acc.StateDiff[slot] = value
}

// Merge 将 other 叠加到 s 上（other 优先），返回 s
func (s StateOverride) Merge(other StateOverride) StateOverride {
	for addr, src := range other {
		if src == nil {
			continue
		}
		if src.Balance != nil {
			s.account(addr).Balance = src.Balance
		}
		if src.Nonce != nil {
			s.account(addr).Nonce = src.Nonce
		}
		if src.Code != nil {
			s.account(addr).Code = src.Code
		}
		for k, v := range src.StateDiff {
			s.SetStorage(addr, k, v)
		}
	}
	return s
}

// Copy 深拷贝
func (s StateOverride) Copy() StateOverride {
	return make(StateOverride, len(s)).Merge(s)
}

// Slots 返回覆盖涉及的槽位总数
func (s StateOverride) Slots() int {
	n := 0
	for _, acc := range s {
		if acc != nil {
			n += len(acc.StateDiff)
		}
	}
	return n
}

// prestateAccount prestateTracer / genesis alloc 的账户格式
type prestateAccount struct {
	Balance string            `json:"balance"`
	Nonce   json.RawMessage   `json:"nonce"`
	Code    string            `json:"code"`
	Storage map[string]string `json:"storage"`
}

// LoadPrestate 解析 prestateTracer 输出或 alloc 格式的快照，生成状态覆盖
// 数值字段接受十六进制或十进制字符串，nonce 还接受JSON数字
func LoadPrestate(r io.Reader) (StateOverride, error) {
	var prestate map[string]prestateAccount
	if err := json.NewDecoder(r).Decode(&prestate); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prestate: %w", err)
	}

	out := make(StateOverride, len(prestate))
	for addr, account := range prestate {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid prestate address %q", addr)
		}
		a := common.HexToAddress(addr)

		if account.Balance != "" {
			bal, err := parseQuantity(account.Balance)
			if err != nil {
				return nil, fmt.Errorf("failed to parse balance for %s: %w", addr, err)
			}
			out.SetBalance(a, bal)
		}

		if len(account.Nonce) > 0 {
			nonce, err := parseNonce(account.Nonce)
			if err != nil {
				return nil, fmt.Errorf("failed to parse nonce for %s: %w", addr, err)
			}
			out.SetNonce(a, nonce)
		}

		if account.Code != "" && account.Code != "0x" {
			code, err := hexutil.Decode(strings.ToLower(account.Code))
			if err != nil {
				return nil, fmt.Errorf("failed to parse code for %s: %w", addr, err)
			}
			out.SetCode(a, code)
		}

		for slot, value := range account.Storage {
			v, err := parseQuantity(value)
			if err != nil {
				return nil, fmt.Errorf("failed to parse storage %s of %s: %w", slot, addr, err)
			}
			out.SetStorage(a, common.HexToHash(slot), common.Hash(v.Bytes32()))
		}
	}
	return out, nil
}

func parseNonce(raw json.RawMessage) (uint64, error) {
	data := bytes.TrimSpace(raw)
	if len(data) == 0 {
		return 0, nil
	}

	var num uint64
	if err := json.Unmarshal(data, &num); err == nil {
		return num, nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return 0, fmt.Errorf("unsupported nonce format: %s", string(data))
	}
	v, err := parseQuantity(s)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("nonce overflows uint64: %s", s)
	}
	return v.Uint64(), nil
}

// parseQuantity 解析十六进制（0x前缀）或十进制数值字符串
func parseQuantity(value string) (*uint256.Int, error) {
	lowered := strings.ToLower(strings.TrimSpace(value))
	if lowered == "" || lowered == "0x" {
		return new(uint256.Int), nil
	}
	if strings.HasPrefix(lowered, "0x") {
		num, ok := new(big.Int).SetString(lowered[2:], 16)
		if !ok {
			return nil, fmt.Errorf("invalid hex quantity %q", value)
		}
		v, overflow := uint256.FromBig(num)
		if overflow {
			return nil, fmt.Errorf("quantity overflows 256 bits: %q", value)
		}
		return v, nil
	}
	v, err := uint256.FromDecimal(lowered)
	if err != nil {
		return nil, fmt.Errorf("invalid quantity %q: %w", value, err)
	}
	return v, nil
}

// ParseAmount 解析用户输入的金额（十进制或0x十六进制）
func ParseAmount(value string) (*uint256.Int, error) {
	return parseQuantity(value)
}
