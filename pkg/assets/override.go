package assets

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrShortReturn 视图调用返回数据不足一个字
var ErrShortReturn = errors.New("view call returned less than one word")

// Layout 存储值在槽位中的编码方式
type Layout uint8

const (
	// LayoutWord 整个槽位就是该值（标准ERC-20映射）
	LayoutWord Layout = iota
	// LayoutPermit2Packed Permit2 PackedAllowance: amount(uint160) | expiration(uint48)<<160 | nonce(uint48)<<208
	LayoutPermit2Packed
)

var (
	mask160      = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 160), uint256.NewInt(1))
	maxUint48    = uint256.NewInt(1<<48 - 1)
	expiryAtBits = uint(160)
)

// ViewProbe 读取某个语义值的视图调用，用于读取当前值和定位存储槽位
type ViewProbe struct {
	Target   common.Address // 存储上下文（代币或账本合约）
	Calldata []byte
	Layout   Layout
}

// Encode 将值编码为写入槽位的内容
func (p ViewProbe) Encode(value *uint256.Int) common.Hash {
	switch p.Layout {
	case LayoutPermit2Packed:
		packed := new(uint256.Int).And(value, mask160)
		expiry := new(uint256.Int).Lsh(maxUint48, expiryAtBits)
		packed.Or(packed, expiry)
		return common.Hash(packed.Bytes32())
	default:
		return common.Hash(value.Bytes32())
	}
}

// Decode 从视图调用返回值解码语义值（两种布局的金额都在首个字）
func (p ViewProbe) Decode(ret []byte) (*uint256.Int, error) {
	if len(ret) < 32 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrShortReturn, len(ret))
	}
	v := new(uint256.Int).SetBytes32(ret[:32])
	if p.Layout == LayoutPermit2Packed {
		v.And(v, mask160)
	}
	return v, nil
}

// Override 语义状态覆盖：身份 -> 值。Probe 为 nil 表示原生余额。
type Override struct {
	Key   Identity
	Value *uint256.Int
	Probe *ViewProbe
}

// String 返回覆盖的可读形式
func (o Override) String() string {
	return fmt.Sprintf("%s = %s", o.Key, o.Value.Dec())
}

// Merge 返回 base 与 extra 合并后的覆盖列表，同一身份以 extra 为准；不修改入参
func Merge(base []Override, extra ...Override) []Override {
	out := make([]Override, 0, len(base)+len(extra))
	replaced := make(map[Identity]Override, len(extra))
	for _, o := range extra {
		replaced[o.Key] = o
	}
	for _, o := range base {
		if r, ok := replaced[o.Key]; ok {
			out = append(out, r)
			delete(replaced, o.Key)
			continue
		}
		out = append(out, o)
	}
	for _, o := range extra {
		if _, ok := replaced[o.Key]; ok {
			out = append(out, o)
			delete(replaced, o.Key)
		}
	}
	return out
}

// Without 返回去掉指定身份后的覆盖列表
func Without(base []Override, id Identity) []Override {
	out := make([]Override, 0, len(base))
	for _, o := range base {
		if o.Key != id {
			out = append(out, o)
		}
	}
	return out
}
