// Package trace 提供基于数组下标的调用追踪树
//
// 帧按进入顺序平铺存储，父子关系通过下标引用，不存在指针环。
// 一次模拟产生的追踪树在构建完成后不可变。
package trace

import (
	"bytes"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"
)

// Kind 调用类型
type Kind uint8

const (
	Call Kind = iota
	DelegateCall
	StaticCall
	CallCode
	Create
	Create2
	SelfDestruct
)

var kindNames = map[Kind]string{
	Call:         "CALL",
	DelegateCall: "DELEGATECALL",
	StaticCall:   "STATICCALL",
	CallCode:     "CALLCODE",
	Create:       "CREATE",
	Create2:      "CREATE2",
	SelfDestruct: "SELFDESTRUCT",
}

// String 返回与 callTracer 一致的类型名
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "UNKNOWN"
}

// ParseKind 解析 callTracer 的 type 字段
func ParseKind(s string) (Kind, bool) {
	s = strings.ToUpper(s)
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return Call, false
}

// KindFromOpcode 将 tracing.Hooks.OnEnter 的 typ 转换为调用类型
func KindFromOpcode(typ byte) Kind {
	switch vm.OpCode(typ) {
	case vm.DELEGATECALL:
		return DelegateCall
	case vm.STATICCALL:
		return StaticCall
	case vm.CALLCODE:
		return CallCode
	case vm.CREATE:
		return Create
	case vm.CREATE2:
		return Create2
	case vm.SELFDESTRUCT:
		return SelfDestruct
	default:
		return Call
	}
}

// Frame 调用帧
type Frame struct {
	Index    int
	Parent   int // 根帧为 -1
	Children []int
	Depth    int

	Kind  Kind
	From  common.Address
	To    common.Address // 实际拨打的地址；DELEGATECALL 时为逻辑合约
	Input []byte
	Value *uint256.Int
	Gas   uint64

	Output  []byte
	GasUsed uint64
	Success bool
	Error   string // EVM 错误描述，成功时为空
}

// Selector 返回输入数据的函数选择器，不足4字节时返回false
func (f *Frame) Selector() ([4]byte, bool) {
	var sel [4]byte
	if len(f.Input) < 4 {
		return sel, false
	}
	copy(sel[:], f.Input[:4])
	return sel, true
}

// Reverted 帧是否以 REVERT 结束（而非其他EVM错误）
func (f *Frame) Reverted() bool {
	return !f.Success && f.Error == vm.ErrExecutionReverted.Error()
}

// RevertPayload 返回 REVERT 的载荷，其他失败返回nil
func (f *Frame) RevertPayload() []byte {
	if !f.Reverted() {
		return nil
	}
	return f.Output
}

// Trace 一次模拟的完整调用树，Frames[0] 为顶层调用
type Trace struct {
	Frames []Frame
}

// Root 返回顶层帧，空追踪返回nil
func (t *Trace) Root() *Frame {
	if t == nil || len(t.Frames) == 0 {
		return nil
	}
	return &t.Frames[0]
}

// Frame 返回指定下标的帧
func (t *Trace) Frame(i int) *Frame {
	if t == nil || i < 0 || i >= len(t.Frames) {
		return nil
	}
	return &t.Frames[i]
}

// Len 返回帧数量
func (t *Trace) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Frames)
}

// StorageContext 返回帧执行时的存储上下文地址
// DELEGATECALL/CALLCODE 沿用调用方的存储
func (t *Trace) StorageContext(i int) common.Address {
	f := t.Frame(i)
	if f == nil {
		return common.Address{}
	}
	switch f.Kind {
	case DelegateCall, CallCode:
		return f.From
	default:
		return f.To
	}
}

// Sender 返回帧内代码看到的 msg.sender
// DELEGATECALL 继承父帧的 msg.sender
func (t *Trace) Sender(i int) common.Address {
	for {
		f := t.Frame(i)
		if f == nil {
			return common.Address{}
		}
		if f.Kind != DelegateCall || f.Parent < 0 {
			return f.From
		}
		i = f.Parent
	}
}

// IsForward 判断帧是否为父帧的纯转发 DELEGATECALL（代理模式：相同输入交给另一份代码执行）
func (t *Trace) IsForward(i int) bool {
	f := t.Frame(i)
	if f == nil || f.Kind != DelegateCall || f.Parent < 0 {
		return false
	}
	p := t.Frame(f.Parent)
	return t.StorageContext(p.Index) == f.From && bytes.Equal(p.Input, f.Input)
}

// FailingFrame 定位导致顶层失败的帧
//
// 从失败的顶层帧出发，只要最后一个子调用同样失败就向下追溯（错误逐层冒泡），
// 然后越过代理的纯转发 DELEGATECALL 回到代理帧，使检查器看到被拨打的合约。
// 顶层成功时返回 -1。
func (t *Trace) FailingFrame() int {
	root := t.Root()
	if root == nil || root.Success {
		return -1
	}
	i := 0
	for {
		f := &t.Frames[i]
		if len(f.Children) == 0 {
			break
		}
		last := &t.Frames[f.Children[len(f.Children)-1]]
		if last.Success {
			break
		}
		i = last.Index
	}
	for t.IsForward(i) {
		i = t.Frames[i].Parent
	}
	return i
}

// ForwardChildren 返回帧 i 的纯转发 DELEGATECALL 子帧
func (t *Trace) ForwardChildren(i int) []int {
	f := t.Frame(i)
	if f == nil {
		return nil
	}
	var out []int
	for _, c := range f.Children {
		if t.IsForward(c) {
			out = append(out, c)
		}
	}
	return out
}
