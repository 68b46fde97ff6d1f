// Package checkers 实现资产交互模式的检查器与有序注册表
//
// 每个检查器识别一种资产交互（如 ERC-20 transferFrom），把失败帧翻译为资产需求，
// 并为假设的需求数量构造语义覆盖。新增资产类型只需注册新的检查器。
package checkers

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"assetsim/pkg/assets"
	"assetsim/pkg/proxy"
	"assetsim/pkg/trace"
)

// Frame 检查器看到的失败帧
type Frame struct {
	Trace      *trace.Trace
	Index      int
	Call       *trace.Frame
	Storage    common.Address // 存储上下文（代币地址）
	Sender     common.Address // 帧内代码看到的 msg.sender
	Resolution proxy.Resolution
}

// NewFrame 构造检查器视图
func NewFrame(tr *trace.Trace, i int, res proxy.Resolution) *Frame {
	return &Frame{
		Trace:      tr,
		Index:      i,
		Call:       tr.Frame(i),
		Storage:    tr.StorageContext(i),
		Sender:     tr.Sender(i),
		Resolution: res,
	}
}

// Code 返回有效逻辑地址
func (f *Frame) Code() common.Address {
	return f.Resolution.Code
}

// Candidate 一个候选需求：身份 + 调用数据中给出的数量提示
type Candidate struct {
	Identity assets.Identity
	Hint     *uint256.Int // 可能为nil
}

// Finding 检查器对失败帧的诊断；多个候选表示同一失败的多个可能原因（需求对）
type Finding struct {
	Checker    string
	Candidates []Candidate
}

// IsPair 是否为需逐个隔离的需求对
func (f Finding) IsPair() bool {
	return len(f.Candidates) > 1
}

// Checker 资产交互模式检查器
type Checker interface {
	// Name 检查器名称，用于配置与报告
	Name() string
	// Matches 判断帧是否为该模式的实例
	Matches(f *Frame) bool
	// Extract 从帧中提取候选需求
	Extract(f *Frame) (Finding, error)
	// BuildOverride 构造使需求取值为 amount 的语义覆盖
	BuildOverride(id assets.Identity, amount *uint256.Int) assets.Override
}

// ============ 调用数据编解码 ============

var (
	addressType, _ = abi.NewType("address", "", nil)
	uint256Type, _ = abi.NewType("uint256", "", nil)
	uint160Type, _ = abi.NewType("uint160", "", nil)
	bytes32Type, _ = abi.NewType("bytes32", "", nil)
	uint8Type, _   = abi.NewType("uint8", "", nil)
)

func arguments(types ...abi.Type) abi.Arguments {
	args := make(abi.Arguments, len(types))
	for i, t := range types {
		args[i] = abi.Argument{Type: t}
	}
	return args
}

// selectorOf 4字节函数选择器常量
func selectorOf(sel uint32) [4]byte {
	return [4]byte{byte(sel >> 24), byte(sel >> 16), byte(sel >> 8), byte(sel)}
}

// hasSelector 帧输入以 sel 开头且参数部分足够解码 args
func hasSelector(f *Frame, sel [4]byte, args abi.Arguments) bool {
	got, ok := f.Call.Selector()
	return ok && got == sel && len(f.Call.Input) >= 4+32*len(args)
}

// unpack 按参数列表解码帧输入（跳过选择器）
func unpack(f *Frame, args abi.Arguments) ([]interface{}, error) {
	vals, err := args.UnpackValues(f.Call.Input[4:])
	if err != nil {
		return nil, fmt.Errorf("decode call data to %s: %w", f.Call.To.Hex(), err)
	}
	return vals, nil
}

// amountOf 把解码出的整数参数转换为 uint256
func amountOf(v interface{}) (*uint256.Int, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected amount type %T", v)
	}
	amount, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("amount %s overflows 256 bits", b)
	}
	return amount, nil
}

// encodeCall 编码视图调用数据
func encodeCall(sel [4]byte, addrs ...common.Address) []byte {
	types := make([]abi.Type, len(addrs))
	vals := make([]interface{}, len(addrs))
	for i, a := range addrs {
		types[i], vals[i] = addressType, a
	}
	packed, err := arguments(types...).Pack(vals...)
	if err != nil {
		panic(err) // 地址参数总能编码
	}
	return append(sel[:], packed...)
}
