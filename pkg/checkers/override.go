package checkers

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"assetsim/pkg/assets"
)

var (
	balanceOfSelector        = selectorOf(0x70a08231) // balanceOf(address)
	allowanceSelector        = selectorOf(0xdd62ed3e) // allowance(address,address)
	permit2AllowanceSelector = selectorOf(0x927da105) // allowance(address,address,address)
)

// StandardOverride 按身份构造语义覆盖
//
//   - 原生余额：直接设置账户余额
//   - ERC-20 余额/授权：通过 balanceOf / allowance 视图调用定位槽位
//   - 经 Authority 的授权（Permit2）：在授权合约的 allowance(owner, token, spender) 打包槽位上设置
func StandardOverride(id assets.Identity, amount *uint256.Int) assets.Override {
	ov := assets.Override{Key: id, Value: new(uint256.Int).Set(amount)}
	if id.Asset.Type == assets.Native {
		return ov
	}
	token := id.Asset.Token
	switch {
	case id.Kind == assets.KindBalance:
		ov.Probe = &assets.ViewProbe{Target: token, Calldata: encodeCall(balanceOfSelector, id.Account)}
	case id.Authority != (common.Address{}):
		ov.Probe = &assets.ViewProbe{
			Target:   id.Authority,
			Calldata: encodeCall(permit2AllowanceSelector, id.Account, token, id.Spender),
			Layout:   assets.LayoutPermit2Packed,
		}
	default:
		ov.Probe = &assets.ViewProbe{Target: token, Calldata: encodeCall(allowanceSelector, id.Account, id.Spender)}
	}
	return ov
}
