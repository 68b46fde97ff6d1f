package evmtest

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// 模拟代币使用的 OpenZeppelin v5 风格自定义错误选择器
const (
	ErrInsufficientBalance   = 0xe450d38c // ERC20InsufficientBalance(address,uint256,uint256)
	ErrInsufficientAllowance = 0xfb8f41b2 // ERC20InsufficientAllowance(address,uint256,uint256)
)

// 模拟代币的存储布局：balances 在槽位0，allowances 在槽位1
const (
	BalanceSlot   = 0
	AllowanceSlot = 1
)

// BalanceKey 返回模拟代币中 owner 余额的存储槽位
func BalanceKey(owner common.Address) common.Hash {
	return crypto.Keccak256Hash(common.LeftPadBytes(owner.Bytes(), 32), common.LeftPadBytes([]byte{BalanceSlot}, 32))
}

// AllowanceKey 返回模拟代币中 owner->spender 授权的存储槽位
func AllowanceKey(owner, spender common.Address) common.Hash {
	inner := crypto.Keccak256(common.LeftPadBytes(owner.Bytes(), 32), common.LeftPadBytes([]byte{AllowanceSlot}, 32))
	return crypto.Keccak256Hash(common.LeftPadBytes(spender.Bytes(), 32), inner)
}

// Word 把数值编码为存储字
func Word(v uint64) common.Hash {
	return common.Hash(uint256.NewInt(v).Bytes32())
}

// TokenOptions 模拟代币的行为开关
type TokenOptions struct {
	// BrokenTransferFrom 余额检查通过后仍以余额不足 REVERT（任何余额都无法满足）
	BrokenTransferFrom bool
}

// Token 返回最小ERC-20的运行时字节码：balanceOf / allowance / transfer / transferFrom
func Token(opts TokenOptions) []byte {
	p := New()
	p.Selector()
	for _, c := range []struct {
		sel   int
		label string
	}{
		{0x70a08231, "balanceOf"},
		{0xdd62ed3e, "allowance"},
		{0x23b872dd, "transferFrom"},
		{0xa9059cbb, "transfer"},
	} {
		p.Op(vm.DUP1).Push(c.sel).Op(vm.EQ).JumpI(c.label)
	}
	p.Push(0).Op(vm.DUP1).Op(vm.REVERT)

	allowKey := func(p *Program) {
		p.Arg(0).MappingKey(AllowanceSlot).NestedKey(func(p *Program) { p.Op(vm.CALLER) })
	}

	// balanceOf(owner)
	p.Label("balanceOf").Arg(0).MappingKey(BalanceSlot).Op(vm.SLOAD).ReturnWord()

	// allowance(owner, spender)
	p.Label("allowance").Arg(0).MappingKey(AllowanceSlot).
		NestedKey(func(p *Program) { p.Arg(1) }).Op(vm.SLOAD).ReturnWord()

	// transferFrom(from, to, amount)，spender 为 msg.sender
	p.Label("transferFrom").
		Arg(0).MappingKey(BalanceSlot).Op(vm.SLOAD). // [sel, bal]
		Op(vm.DUP1).Arg(2).Op(vm.GT).JumpI("insufficientBalance")
	if opts.BrokenTransferFrom {
		p.Jump("insufficientBalance")
	}
	allowKey(p)
	p.Op(vm.SLOAD). // [sel, bal, allow]
			Op(vm.DUP1).Arg(2).Op(vm.GT).JumpI("insufficientAllowance").
			Arg(2).Op(vm.SWAP1).Op(vm.SUB) // [sel, bal, allow-amount]
	allowKey(p)
	p.Op(vm.SSTORE). // [sel, bal]
				Arg(2).Op(vm.SWAP1).Op(vm.SUB).
				Arg(0).MappingKey(BalanceSlot).Op(vm.SSTORE). // [sel]
				Arg(1).MappingKey(BalanceSlot).Op(vm.DUP1).Op(vm.SLOAD).Arg(2).Op(vm.ADD).Op(vm.SWAP1).Op(vm.SSTORE).
				Push(1).ReturnWord()

	// transfer(to, amount)，from 为 msg.sender
	p.Label("transfer").
		Op(vm.CALLER).MappingKey(BalanceSlot).Op(vm.SLOAD).
		Op(vm.DUP1).Arg(1).Op(vm.GT).JumpI("insufficientBalance").
		Arg(1).Op(vm.SWAP1).Op(vm.SUB).
		Op(vm.CALLER).MappingKey(BalanceSlot).Op(vm.SSTORE).
		Arg(0).MappingKey(BalanceSlot).Op(vm.DUP1).Op(vm.SLOAD).Arg(1).Op(vm.ADD).Op(vm.SWAP1).Op(vm.SSTORE).
		Push(1).ReturnWord()

	p.Label("insufficientBalance").RevertSelector(ErrInsufficientBalance)
	p.Label("insufficientAllowance").RevertSelector(ErrInsufficientAllowance)
	return p.Bytes()
}

// Router 返回路由合约：任意调用都会执行 token.transferFrom(msg.sender, this, amount)，失败时原样冒泡
func Router(token common.Address, amount uint64) []byte {
	p := New()
	p.Push(0x23b872dd).Push(0xe0).Op(vm.SHL).Push(0).Op(vm.MSTORE).
		Op(vm.CALLER).Push(4).Op(vm.MSTORE).
		Op(vm.ADDRESS).Push(0x24).Op(vm.MSTORE).
		Push(amount).Push(0x44).Op(vm.MSTORE).
		Push(0x20).Push(0).Push(0x64).Push(0).Push(0).Push(token).Op(vm.GAS).Op(vm.CALL).
		JumpI("ok").
		BubbleRevert()
	p.Label("ok").Push(1).ReturnWord()
	return p.Bytes()
}

// Payer 返回付款合约：任意调用都会从自身余额向 recipient 转出 amount wei，失败时 REVERT
func Payer(recipient common.Address, amount uint64) []byte {
	p := New()
	p.Push(0).Push(0).Push(0).Push(0).Push(amount).Push(recipient).Op(vm.GAS).Op(vm.CALL).
		JumpI("ok").
		BubbleRevert()
	p.Label("ok").Push(1).ReturnWord()
	return p.Bytes()
}

// Reverter 返回总是以 Error("nope") REVERT 的合约
func Reverter() []byte {
	// Error(string) 载荷：selector | offset=0x20 | len=4 | "nope"
	p := New()
	p.Push(0x08c379a0).Push(0xe0).Op(vm.SHL).Push(0).Op(vm.MSTORE).
		Push(0x20).Push(4).Op(vm.MSTORE).
		Push(4).Push(0x24).Op(vm.MSTORE).
		Push([]byte("nope")).Push(0xe0).Op(vm.SHL).Push(0x44).Op(vm.MSTORE).
		Push(0x64).Push(0).Op(vm.REVERT)
	return p.Bytes()
}

// Succeeder 返回总是成功的合约
func Succeeder() []byte {
	return New().Push(1).ReturnWord().Bytes()
}

// MinimalProxy 返回 EIP-1167 最小代理的运行时字节码
func MinimalProxy(impl common.Address) []byte {
	code := common.FromHex("0x363d3d373d3d3d363d73")
	code = append(code, impl.Bytes()...)
	return append(code, common.FromHex("0x5af43d82803e903d91602b57fd5bf3")...)
}

// Calldata 按ABI静态参数编码调用数据，参数支持 common.Address、uint64 与 *uint256.Int
func Calldata(selector uint32, args ...interface{}) []byte {
	out := []byte{byte(selector >> 24), byte(selector >> 16), byte(selector >> 8), byte(selector)}
	for _, a := range args {
		var word []byte
		switch v := a.(type) {
		case common.Address:
			word = common.LeftPadBytes(v.Bytes(), 32)
		case uint64:
			word = common.LeftPadBytes(new(uint256.Int).SetUint64(v).Bytes(), 32)
		case int:
			word = common.LeftPadBytes(new(uint256.Int).SetUint64(uint64(v)).Bytes(), 32)
		case *uint256.Int:
			b := v.Bytes32()
			word = b[:]
		default:
			panic("evmtest: unsupported calldata argument")
		}
		out = append(out, word...)
	}
	return out
}
