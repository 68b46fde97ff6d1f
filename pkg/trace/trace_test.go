package trace

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	user     = common.HexToAddress("0x1111111111111111111111111111111111111111")
	router   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	proxy    = common.HexToAddress("0x3333333333333333333333333333333333333333")
	impl     = common.HexToAddress("0x4444444444444444444444444444444444444444")
	reverted = vm.ErrExecutionReverted.Error()
)

func revertString(t *testing.T, msg string) []byte {
	typ, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: typ}}.Pack(msg)
	require.NoError(t, err)
	return append(common.CopyBytes(errorSelector), packed...)
}

// buildSwap 构造 user -> router.swap -> proxy.transferFrom -> (delegatecall) impl 的追踪树
func buildSwap(t *testing.T, payload []byte) *Trace {
	transferFrom := common.FromHex("0x23b872dd" +
		"0000000000000000000000001111111111111111111111111111111111111111" +
		"0000000000000000000000002222222222222222222222222222222222222222" +
		"0000000000000000000000000000000000000000000000000000000000000064")

	b := NewBuilder()
	b.Enter(Call, user, router, common.FromHex("0x12345678"), 1_000_000, nil)
	b.Enter(StaticCall, router, proxy, common.FromHex("0x70a08231"), 1000, nil)
	b.Exit(make([]byte, 32), 100, "")
	b.Enter(Call, router, proxy, transferFrom, 900_000, big.NewInt(0))
	b.Enter(DelegateCall, proxy, impl, transferFrom, 800_000, nil)
	b.Exit(payload, 500, reverted)
	b.Exit(payload, 600, reverted)
	b.Exit(payload, 700, reverted)
	return b.Finish("")
}

// TestBuilderTree 测试进入/退出事件构建的父子关系
func TestBuilderTree(t *testing.T) {
	tr := buildSwap(t, nil)
	require.Equal(t, 4, tr.Len())

	root := tr.Root()
	assert.Equal(t, -1, root.Parent)
	assert.Equal(t, []int{1, 2}, root.Children)
	assert.Equal(t, 0, tr.Frame(2).Parent)
	assert.Equal(t, []int{3}, tr.Frame(2).Children)
	assert.Equal(t, 2, tr.Frame(3).Depth)
	assert.True(t, tr.Frame(1).Success)
	assert.False(t, root.Success)
	assert.True(t, root.Reverted())
	assert.Nil(t, tr.Frame(10))
}

// TestBuilderFinishAborted 测试未退出的帧被标记为失败
func TestBuilderFinishAborted(t *testing.T) {
	b := NewBuilder()
	b.Enter(Call, user, router, nil, 100, nil)
	b.Enter(Call, router, proxy, nil, 50, nil)
	assert.Equal(t, 2, b.Depth())

	tr := b.Finish("out of gas")
	require.Equal(t, 2, tr.Len())
	assert.False(t, tr.Frame(0).Success)
	assert.Equal(t, "out of gas", tr.Frame(1).Error)
}

// TestFailingFrameThroughProxy 测试失败帧越过代理转发回到代理帧
func TestFailingFrameThroughProxy(t *testing.T) {
	tr := buildSwap(t, revertString(t, "ERC20: insufficient allowance"))

	i := tr.FailingFrame()
	assert.Equal(t, 2, i)
	assert.Equal(t, proxy, tr.StorageContext(i))
	assert.Equal(t, router, tr.Sender(i))

	assert.True(t, tr.IsForward(3))
	assert.Equal(t, []int{3}, tr.ForwardChildren(2))
	assert.Equal(t, proxy, tr.StorageContext(3))
	assert.Equal(t, router, tr.Sender(3))
}

// TestFailingFrameStopsAtSucceededChild 测试最后子调用成功时失败帧为父帧
func TestFailingFrameStopsAtSucceededChild(t *testing.T) {
	b := NewBuilder()
	b.Enter(Call, user, router, nil, 100, nil)
	b.Enter(Call, router, proxy, nil, 50, nil)
	b.Exit(nil, 0, reverted) // 被 try/catch 捕获
	b.Enter(StaticCall, router, proxy, nil, 50, nil)
	b.Exit(nil, 0, "")
	b.Exit(nil, 0, reverted)
	tr := b.Finish("")

	assert.Equal(t, 0, tr.FailingFrame())
}

// TestFailingFrameSuccess 测试顶层成功时没有失败帧
func TestFailingFrameSuccess(t *testing.T) {
	b := NewBuilder()
	b.Enter(Call, user, router, nil, 100, nil)
	b.Enter(Call, router, proxy, nil, 50, nil)
	b.Exit(nil, 0, reverted)
	b.Exit(nil, 0, "")
	tr := b.Finish("")

	assert.Equal(t, -1, tr.FailingFrame())
	var empty *Trace
	assert.Equal(t, -1, empty.FailingFrame())
}

// TestLibraryDelegateCallIsNotForward 测试输入不同的 DELEGATECALL 不视为转发
func TestLibraryDelegateCallIsNotForward(t *testing.T) {
	b := NewBuilder()
	b.Enter(Call, user, proxy, common.FromHex("0xaaaaaaaa"), 100, nil)
	b.Enter(DelegateCall, proxy, impl, common.FromHex("0xbbbbbbbb"), 50, nil)
	b.Exit(nil, 0, reverted)
	b.Exit(nil, 0, reverted)
	tr := b.Finish("")

	assert.False(t, tr.IsForward(1))
	assert.Equal(t, 1, tr.FailingFrame())
	assert.Equal(t, user, tr.Sender(1))
}

// TestFailureClass 测试失败类别
func TestFailureClass(t *testing.T) {
	balance := revertString(t, "ERC20: transfer amount exceeds balance")
	allowance := revertString(t, "ERC20: insufficient allowance")

	cases := []struct {
		name  string
		frame Frame
		want  string
	}{
		{"success", Frame{Success: true}, ""},
		{"empty", Frame{Error: reverted}, "revert:"},
		{"reason", Frame{Error: reverted, Output: balance}, "revert:ERC20: transfer amount exceeds balance"},
		{"custom", Frame{Error: reverted, Output: common.FromHex("0xe450d38c0000000000000000000000000000000000000000000000000000000000000001")}, "custom:0xe450d38c"},
		{"panic", Frame{Error: reverted, Output: common.FromHex("0x4e487b710000000000000000000000000000000000000000000000000000000000000011")}, "panic:0x11"},
		{"vm error", Frame{Error: vm.ErrInsufficientBalance.Error()}, "error:insufficient balance for transfer"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := tc.frame
			assert.Equal(t, tc.want, FailureClass(&f))
		})
	}

	a := Frame{Error: reverted, Output: balance}
	c := Frame{Error: reverted, Output: allowance}
	assert.NotEqual(t, FailureClass(&a), FailureClass(&c))
	assert.Equal(t, "ERC20: insufficient allowance", RevertReason(&c))
}

// TestSiteOf 测试相同调用点不同失败类别可区分
func TestSiteOf(t *testing.T) {
	a := buildSwap(t, revertString(t, "ERC20: transfer amount exceeds balance"))
	b := buildSwap(t, revertString(t, "ERC20: insufficient allowance"))
	c := buildSwap(t, revertString(t, "ERC20: transfer amount exceeds balance"))

	sa, sb, sc := a.SiteOf(a.FailingFrame()), b.SiteOf(b.FailingFrame()), c.SiteOf(c.FailingFrame())
	assert.Equal(t, sa, sc)
	assert.NotEqual(t, sa, sb)
	assert.Equal(t, [4]byte{0x23, 0xb8, 0x72, 0xdd}, sa.Selector)
	assert.Contains(t, sa.String(), "CALL")
}

// TestParseKind 测试 callTracer 类型解析
func TestParseKind(t *testing.T) {
	k, ok := ParseKind("delegatecall")
	assert.True(t, ok)
	assert.Equal(t, DelegateCall, k)
	_, ok = ParseKind("SELFDESTRUCT")
	assert.False(t, ok)
	assert.Equal(t, StaticCall, KindFromOpcode(byte(vm.STATICCALL)))
	assert.Equal(t, "CREATE2", Create2.String())
}
