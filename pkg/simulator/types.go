// Package simulator 定义执行适配器边界：交易描述、区块引用、模拟请求与结果，
// 以及把语义覆盖落到具体存储槽位的 SlotLocator。
package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"

	"assetsim/pkg/assets"
	"assetsim/pkg/trace"
)

// 适配器致命错误，调用方用 errors.Is 判断
var (
	ErrMalformedTx  = errors.New("malformed transaction")
	ErrUnknownBlock = errors.New("unknown block")
	ErrBackend      = errors.New("state backend failure")
	ErrSlotNotFound = errors.New("storage slot not locatable")
)

// DefaultGas 未指定Gas时使用的上限
const DefaultGas uint64 = 30_000_000

// TxSpec 目标交易
type TxSpec struct {
	From  common.Address
	To    common.Address
	Data  []byte
	Value *uint256.Int
	Gas   uint64
}

// Validate 检查交易描述是否可执行
func (tx TxSpec) Validate() error {
	if tx.To == (common.Address{}) {
		return fmt.Errorf("%w: missing recipient (contract creation is not supported)", ErrMalformedTx)
	}
	if len(tx.Data) > 0 && len(tx.Data) < 4 {
		return fmt.Errorf("%w: call data shorter than a selector (%d bytes)", ErrMalformedTx, len(tx.Data))
	}
	return nil
}

// GasLimit 返回有效Gas上限
func (tx TxSpec) GasLimit() uint64 {
	if tx.Gas == 0 {
		return DefaultGas
	}
	return tx.Gas
}

// CallValue 返回转账金额，nil 视为0
func (tx TxSpec) CallValue() *uint256.Int {
	if tx.Value == nil {
		return new(uint256.Int)
	}
	return tx.Value
}

// BlockRef 分叉区块引用，Number 为 nil 表示最新区块
type BlockRef struct {
	Number *big.Int
}

// Latest 返回最新区块引用
func Latest() BlockRef {
	return BlockRef{}
}

// AtBlock 返回指定高度的区块引用
func AtBlock(n uint64) BlockRef {
	return BlockRef{Number: new(big.Int).SetUint64(n)}
}

// ParseBlock 解析区块参数：空串或 latest 表示最新区块，其余按十进制或0x十六进制高度解析
func ParseBlock(s string) (BlockRef, error) {
	trimmed := strings.ToLower(strings.TrimSpace(s))
	if trimmed == "" || trimmed == "latest" {
		return Latest(), nil
	}
	n, err := parseQuantity(trimmed)
	if err != nil {
		return BlockRef{}, fmt.Errorf("invalid block %q: %w", s, err)
	}
	if !n.IsUint64() {
		return BlockRef{}, fmt.Errorf("invalid block %q: height overflows uint64", s)
	}
	return AtBlock(n.Uint64()), nil
}

// IsLatest 是否为最新区块
func (b BlockRef) IsLatest() bool {
	return b.Number == nil
}

// String 返回区块引用的可读形式，同时用作缓存键
func (b BlockRef) String() string {
	if b.Number == nil {
		return "latest"
	}
	return b.Number.String()
}

// RPCArg 返回JSON-RPC区块参数
func (b BlockRef) RPCArg() string {
	if b.Number == nil {
		return "latest"
	}
	return hexutil.EncodeBig(b.Number)
}

// BlockNumberOrHash 返回 rpc.BlockNumberOrHash 形式
func (b BlockRef) BlockNumberOrHash() rpc.BlockNumberOrHash {
	if b.Number == nil {
		return rpc.BlockNumberOrHashWithNumber(rpc.LatestBlockNumber)
	}
	return rpc.BlockNumberOrHashWithNumber(rpc.BlockNumber(b.Number.Int64()))
}

// Request 一次模拟请求。每轮迭代基于上一轮派生新请求，请求本身不可变。
type Request struct {
	Tx        TxSpec
	Block     BlockRef
	Overrides []assets.Override
}

// WithOverrides 返回替换覆盖集合后的新请求
func (r Request) WithOverrides(overrides []assets.Override) Request {
	r.Overrides = overrides
	return r
}

// Outcome 一次模拟的结果；成功时同样携带完整追踪树
type Outcome struct {
	Success      bool
	Output       []byte
	GasUsed      uint64
	Trace        *trace.Trace
	Failing      int    // 顶层失败时的失败帧下标，成功为 -1
	RevertReason []byte // 顶层 REVERT 载荷
}

// NewOutcome 根据追踪树构造结果
func NewOutcome(tr *trace.Trace) *Outcome {
	out := &Outcome{Trace: tr, Failing: -1}
	root := tr.Root()
	if root == nil {
		return out
	}
	out.Success = root.Success
	out.Output = root.Output
	out.GasUsed = root.GasUsed
	if !root.Success {
		out.Failing = tr.FailingFrame()
		out.RevertReason = root.RevertPayload()
	}
	return out
}

// FailingFrame 返回失败帧，成功时为nil
func (o *Outcome) FailingFrame() *trace.Frame {
	if o == nil || o.Success {
		return nil
	}
	return o.Trace.Frame(o.Failing)
}

// StateReader 分叉状态只读访问
type StateReader interface {
	CodeAt(ctx context.Context, block BlockRef, addr common.Address) ([]byte, error)
	StorageAt(ctx context.Context, block BlockRef, addr common.Address, slot common.Hash) (common.Hash, error)
	BalanceAt(ctx context.Context, block BlockRef, addr common.Address) (*uint256.Int, error)
	// CallView 在分叉状态（叠加 ov）上执行只读调用，返回返回数据；调用失败返回错误
	CallView(ctx context.Context, block BlockRef, to common.Address, data []byte, ov StateOverride) ([]byte, error)
}

// SlotRead 一次 SLOAD 的位置
type SlotRead struct {
	Address common.Address
	Slot    common.Hash
}

// SlotBackend 定位存储槽位所需的能力
type SlotBackend interface {
	StateReader
	// AccessedSlots 返回视图调用按读取顺序访问过的存储槽位（去重）
	AccessedSlots(ctx context.Context, block BlockRef, to common.Address, data []byte) ([]SlotRead, error)
}

// Adapter 执行适配器
type Adapter interface {
	StateReader
	// Simulate 应用全部覆盖后执行交易；只有适配器自身无法执行时返回错误
	Simulate(ctx context.Context, req Request) (*Outcome, error)
}

// ViewCallError 视图调用本身执行失败（REVERT 等）
type ViewCallError struct {
	To     common.Address
	Reason string
}

func (e *ViewCallError) Error() string {
	return fmt.Sprintf("view call to %s failed: %s", e.To.Hex(), e.Reason)
}
