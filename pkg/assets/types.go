// Package assets 定义资产需求发现的数据模型：资产、需求身份、需求与语义覆盖
package assets

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AssetType 资产类型
type AssetType uint8

const (
	Native AssetType = iota // 原生币（ETH）
	ERC20                   // 同质化代币
)

// String 返回资产类型的字符串表示
func (t AssetType) String() string {
	switch t {
	case Native:
		return "native"
	case ERC20:
		return "erc20"
	default:
		return "unknown"
	}
}

// Asset 资产标识
type Asset struct {
	Type  AssetType
	Token common.Address // 原生币为零地址
}

// NativeAsset 返回原生币资产
func NativeAsset() Asset {
	return Asset{Type: Native}
}

// TokenAsset 返回指定代币合约的ERC-20资产
func TokenAsset(token common.Address) Asset {
	return Asset{Type: ERC20, Token: token}
}

// String 返回资产标识
func (a Asset) String() string {
	if a.Type == Native {
		return "native"
	}
	return a.Token.Hex()
}

// Kind 需求种类
type Kind uint8

const (
	KindBalance Kind = iota
	KindAllowance
)

// String 返回需求种类的字符串表示
func (k Kind) String() string {
	switch k {
	case KindBalance:
		return "balance"
	case KindAllowance:
		return "allowance"
	default:
		return "unknown"
	}
}

// MarshalText 实现 encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Identity 需求身份，不含金额。同一身份的需求在一次发现中只记录一次。
type Identity struct {
	Account common.Address
	Asset   Asset
	Kind    Kind
	Spender common.Address // 仅 KindAllowance 有效

	// Authority 保存授权账本的合约，零地址表示代币合约自身（如 Permit2 为 Permit2 合约地址）
	Authority common.Address
}

// BalanceOf 构造余额需求身份
func BalanceOf(account common.Address, asset Asset) Identity {
	return Identity{Account: account, Asset: asset, Kind: KindBalance}
}

// AllowanceOf 构造授权需求身份
func AllowanceOf(owner, spender common.Address, asset Asset) Identity {
	return Identity{Account: owner, Asset: asset, Kind: KindAllowance, Spender: spender}
}

// Via 返回账本位于 authority 合约的同一授权身份
func (id Identity) Via(authority common.Address) Identity {
	id.Authority = authority
	return id
}

// String 返回身份的可读形式
func (id Identity) String() string {
	s := fmt.Sprintf("%s %s of %s", id.Asset, id.Kind, id.Account.Hex())
	if id.Kind == KindAllowance {
		s += " -> " + id.Spender.Hex()
	}
	if id.Authority != (common.Address{}) {
		s += " via " + id.Authority.Hex()
	}
	return s
}

// Requirement 资产需求：身份加最小满足金额
type Requirement struct {
	Identity

	Amount  *uint256.Int // 最小满足金额（绝对值）
	Current *uint256.Int // 分叉状态下的当前值，未知时为nil
	Missing *uint256.Int // max(0, Amount-Current)，Current未知时为nil
}

// SetCurrent 记录当前值并计算缺口
func (r *Requirement) SetCurrent(current *uint256.Int) {
	if current == nil {
		r.Current, r.Missing = nil, nil
		return
	}
	r.Current = new(uint256.Int).Set(current)
	r.Missing = new(uint256.Int)
	if r.Amount != nil && r.Amount.Gt(current) {
		r.Missing.Sub(r.Amount, current)
	}
}

// Clone 深拷贝需求
func (r Requirement) Clone() Requirement {
	out := Requirement{Identity: r.Identity}
	if r.Amount != nil {
		out.Amount = new(uint256.Int).Set(r.Amount)
	}
	if r.Current != nil {
		out.Current = new(uint256.Int).Set(r.Current)
	}
	if r.Missing != nil {
		out.Missing = new(uint256.Int).Set(r.Missing)
	}
	return out
}
