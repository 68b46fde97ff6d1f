package remote

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"assetsim/pkg/simulator"
	"assetsim/pkg/trace"
	"assetsim/pkg/types"
)

// CallFrame callTracer 输出的调用帧
type CallFrame struct {
	Type    string                 `json:"type"`
	From    common.Address         `json:"from"`
	To      *common.Address        `json:"to,omitempty"`
	Value   *types.FlexibleUint256 `json:"value,omitempty"`
	Gas     types.FlexibleUint64   `json:"gas"`
	GasUsed types.FlexibleUint64   `json:"gasUsed"`
	Input   hexutil.Bytes          `json:"input"`
	Output  hexutil.Bytes          `json:"output,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Calls   []CallFrame            `json:"calls,omitempty"`
}

// ToTrace 把嵌套的 callTracer 帧转换为按先序编号的调用树
func (c *CallFrame) ToTrace() (*trace.Trace, error) {
	b := trace.NewBuilder()
	if err := c.walk(b); err != nil {
		return nil, err
	}
	return b.Finish(""), nil
}

func (c *CallFrame) walk(b *trace.Builder) error {
	kind, ok := trace.ParseKind(c.Type)
	if !ok {
		return fmt.Errorf("%w: unknown call type %q in callTracer output", simulator.ErrBackend, c.Type)
	}
	var to common.Address
	if c.To != nil {
		to = *c.To
	}
	var value *big.Int
	if c.Value != nil {
		value = c.Value.ToBig()
	}
	b.Enter(kind, c.From, to, c.Input, c.Gas.Uint64(), value)
	for i := range c.Calls {
		if err := c.Calls[i].walk(b); err != nil {
			return err
		}
	}
	b.Exit(c.Output, c.GasUsed.Uint64(), c.Error)
	return nil
}
