package trace

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Builder 按进入/退出事件增量构建调用树
// 本地EVM的 tracing 钩子与RPC callTracer 结果转换共用此构建器
type Builder struct {
	frames []Frame
	stack  []int
}

// NewBuilder 创建构建器
func NewBuilder() *Builder {
	return &Builder{}
}

// Enter 进入新帧，返回帧下标
func (b *Builder) Enter(kind Kind, from, to common.Address, input []byte, gas uint64, value *big.Int) int {
	idx := len(b.frames)
	parent := -1
	if n := len(b.stack); n > 0 {
		parent = b.stack[n-1]
		b.frames[parent].Children = append(b.frames[parent].Children, idx)
	}
	v := new(uint256.Int)
	if value != nil {
		v, _ = uint256.FromBig(value)
	}
	b.frames = append(b.frames, Frame{
		Index:  idx,
		Parent: parent,
		Depth:  len(b.stack),
		Kind:   kind,
		From:   from,
		To:     to,
		Input:  common.CopyBytes(input),
		Value:  v,
		Gas:    gas,
	})
	b.stack = append(b.stack, idx)
	return idx
}

// Exit 结束当前帧；errMsg 为空表示成功
func (b *Builder) Exit(output []byte, gasUsed uint64, errMsg string) {
	n := len(b.stack)
	if n == 0 {
		return
	}
	f := &b.frames[b.stack[n-1]]
	f.Output = common.CopyBytes(output)
	f.GasUsed = gasUsed
	f.Error = errMsg
	f.Success = errMsg == ""
	b.stack = b.stack[:n-1]
}

// Depth 返回当前打开的帧数
func (b *Builder) Depth() int {
	return len(b.stack)
}

// Finish 关闭所有未退出的帧并返回追踪树
// 未退出的帧视为失败（执行被中止）
func (b *Builder) Finish(abortErr string) *Trace {
	if abortErr == "" {
		abortErr = "execution aborted"
	}
	for len(b.stack) > 0 {
		b.Exit(nil, 0, abortErr)
	}
	t := &Trace{Frames: b.frames}
	b.frames = nil
	return t
}
