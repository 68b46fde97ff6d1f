// Package evmtest 提供测试用的EVM字节码汇编器和模拟合约
package evmtest

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"
)

// Program 带标签的字节码构建器
// 跳转目标统一使用 PUSH2，Bytes 时回填
type Program struct {
	code   []byte
	labels map[string]int
	fixups map[int]string
}

// New 创建空程序
func New() *Program {
	return &Program{labels: make(map[string]int), fixups: make(map[int]string)}
}

// Op 追加操作码
func (p *Program) Op(ops ...vm.OpCode) *Program {
	for _, op := range ops {
		p.code = append(p.code, byte(op))
	}
	return p
}

// Push 以最短的 PUSHn 压入常量
func (p *Program) Push(v interface{}) *Program {
	var b []byte
	switch x := v.(type) {
	case int:
		b = new(big.Int).SetInt64(int64(x)).Bytes()
	case uint64:
		b = new(big.Int).SetUint64(x).Bytes()
	case *uint256.Int:
		b = x.Bytes()
	case common.Address:
		b = x.Bytes()
	case common.Hash:
		b = x.Bytes()
	case []byte:
		b = x
	default:
		panic(fmt.Sprintf("evmtest: unsupported push operand %T", v))
	}
	if len(b) == 0 {
		b = []byte{0}
	}
	if len(b) > 32 {
		panic("evmtest: push operand longer than 32 bytes")
	}
	p.code = append(p.code, byte(vm.PUSH1)+byte(len(b)-1))
	p.code = append(p.code, b...)
	return p
}

// Label 定义跳转目标（写入 JUMPDEST）
func (p *Program) Label(name string) *Program {
	if _, ok := p.labels[name]; ok {
		panic("evmtest: duplicate label " + name)
	}
	p.labels[name] = len(p.code)
	return p.Op(vm.JUMPDEST)
}

// PushLabel 压入标签地址
func (p *Program) PushLabel(name string) *Program {
	p.code = append(p.code, byte(vm.PUSH2))
	p.fixups[len(p.code)] = name
	p.code = append(p.code, 0, 0)
	return p
}

// Jump 无条件跳转
func (p *Program) Jump(name string) *Program {
	return p.PushLabel(name).Op(vm.JUMP)
}

// JumpI 栈顶非零时跳转（消耗条件）
func (p *Program) JumpI(name string) *Program {
	return p.PushLabel(name).Op(vm.JUMPI)
}

// Bytes 回填标签并返回字节码
func (p *Program) Bytes() []byte {
	out := common.CopyBytes(p.code)
	for pos, name := range p.fixups {
		target, ok := p.labels[name]
		if !ok {
			panic("evmtest: undefined label " + name)
		}
		out[pos] = byte(target >> 8)
		out[pos+1] = byte(target)
	}
	return out
}

// ============ 常用片段 ============

// Selector 压入调用数据的函数选择器
func (p *Program) Selector() *Program {
	return p.Push(0).Op(vm.CALLDATALOAD).Push(0xe0).Op(vm.SHR)
}

// Arg 压入第 i 个ABI参数字
func (p *Program) Arg(i int) *Program {
	return p.Push(4 + 32*i).Op(vm.CALLDATALOAD)
}

// MappingKey 栈顶 key 替换为 keccak256(key . slot)
func (p *Program) MappingKey(slot int) *Program {
	return p.Push(0).Op(vm.MSTORE).
		Push(slot).Push(0x20).Op(vm.MSTORE).
		Push(0x40).Push(0).Op(vm.KECCAK256)
}

// NestedKey 栈顶 inner 与 key 组合为 keccak256(key . inner)，key 由 pushKey 压入
func (p *Program) NestedKey(pushKey func(*Program)) *Program {
	p.Push(0x20).Op(vm.MSTORE)
	pushKey(p)
	return p.Push(0).Op(vm.MSTORE).Push(0x40).Push(0).Op(vm.KECCAK256)
}

// ReturnWord 返回栈顶的一个字
func (p *Program) ReturnWord() *Program {
	return p.Push(0).Op(vm.MSTORE).Push(0x20).Push(0).Op(vm.RETURN)
}

// RevertSelector 以4字节错误选择器 REVERT
func (p *Program) RevertSelector(sel uint64) *Program {
	return p.Push(sel).Push(0xe0).Op(vm.SHL).Push(0).Op(vm.MSTORE).
		Push(4).Push(0).Op(vm.REVERT)
}

// BubbleRevert 原样转发上一个调用的返回数据并 REVERT
func (p *Program) BubbleRevert() *Program {
	return p.Op(vm.RETURNDATASIZE).Push(0).Push(0).Op(vm.RETURNDATACOPY).
		Op(vm.RETURNDATASIZE).Push(0).Op(vm.REVERT)
}
