// Package local 提供进程内EVM执行适配器：在按需拉取的分叉状态上运行 go-ethereum 的 vm.EVM
package local

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// 错误定义
var (
	// ErrNoProvider 未配置分叉状态提供者
	ErrNoProvider = errors.New("no fork state provider configured")
	// ErrExecutionAborted EVM 执行被中止（上下文取消）
	ErrExecutionAborted = errors.New("execution aborted")
)

// viewCaller 视图调用使用的发送方
var viewCaller = common.HexToAddress("0x00000000000000000000000000000000000a5e75")

// ExecutionConfig 执行配置
// 分叉区块头可用时，区块号、时间、基础费用、矿工地址与Gas上限取自区块头
type ExecutionConfig struct {
	ChainID     *big.Int       // 链ID
	BlockNumber *big.Int       // 区块号
	Time        uint64         // 区块时间戳
	GasLimit    uint64         // 区块Gas上限
	BaseFee     *big.Int       // EIP-1559 基础费用
	BlobBaseFee *big.Int       // EIP-4844 blob 基础费用
	Coinbase    common.Address // 矿工地址
	Random      common.Hash    // PREVRANDAO
	ViewGas     uint64         // 视图调用的Gas上限
}

// DefaultExecutionConfig 返回默认执行配置
func DefaultExecutionConfig() *ExecutionConfig {
	return &ExecutionConfig{
		ChainID:     big.NewInt(1),
		BlockNumber: big.NewInt(1),
		Time:        1_700_000_000,
		GasLimit:    30_000_000,
		BaseFee:     big.NewInt(1_000_000_000), // 1 Gwei
		BlobBaseFee: big.NewInt(1),
		Random:      common.HexToHash("0x01"),
		ViewGas:     50_000_000,
	}
}

// Copy 返回配置副本
func (c *ExecutionConfig) Copy() *ExecutionConfig {
	cp := *c
	if c.ChainID != nil {
		cp.ChainID = new(big.Int).Set(c.ChainID)
	}
	if c.BlockNumber != nil {
		cp.BlockNumber = new(big.Int).Set(c.BlockNumber)
	}
	if c.BaseFee != nil {
		cp.BaseFee = new(big.Int).Set(c.BaseFee)
	}
	if c.BlobBaseFee != nil {
		cp.BlobBaseFee = new(big.Int).Set(c.BlobBaseFee)
	}
	return &cp
}

// AccountState 账户状态
type AccountState struct {
	Balance  *uint256.Int
	Nonce    uint64
	Code     []byte
	CodeHash common.Hash
	Storage  map[common.Hash]common.Hash // 当前值
	Origin   map[common.Hash]common.Hash // 交易开始前的值（分叉值叠加覆盖）
}

// NewAccountState 创建新的账户状态
func NewAccountState() *AccountState {
	return &AccountState{
		Balance:  new(uint256.Int),
		CodeHash: crypto.Keccak256Hash(nil),
		Storage:  make(map[common.Hash]common.Hash),
		Origin:   make(map[common.Hash]common.Hash),
	}
}

// SetCode 设置代码并更新代码哈希
func (a *AccountState) SetCode(code []byte) {
	a.Code = code
	a.CodeHash = crypto.Keccak256Hash(code)
}

// IsEmpty 按 EIP-161 判断账户是否为空
func (a *AccountState) IsEmpty() bool {
	return a.Balance.IsZero() && a.Nonce == 0 && len(a.Code) == 0
}
