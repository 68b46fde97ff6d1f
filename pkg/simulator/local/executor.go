package local

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	"assetsim/pkg/simulator"
)

// LocalEVMExecutor 本地EVM执行器
// 直接使用 go-ethereum 的 vm.EVM 在分叉状态上运行交易。每次调用使用独立的 StateAdapter 和追踪器，
// 因此可被多个独立的发现任务并发使用；跨调用共享的只有状态提供者的缓存和槽位定位缓存。
type LocalEVMExecutor struct {
	config   *ExecutionConfig
	provider StateProvider
	locator  *simulator.SlotLocator
	log      log.Logger
}

// Option 执行器选项
type Option func(*LocalEVMExecutor, *options)

type options struct {
	slotCacheSize int
}

// WithLogger 设置日志记录器
func WithLogger(l log.Logger) Option {
	return func(e *LocalEVMExecutor, _ *options) { e.log = l }
}

// WithSlotCacheSize 设置槽位定位缓存容量
func WithSlotCacheSize(n int) Option {
	return func(_ *LocalEVMExecutor, o *options) { o.slotCacheSize = n }
}

// NewLocalEVMExecutor 创建本地EVM执行器；provider 为nil时从空状态执行
func NewLocalEVMExecutor(config *ExecutionConfig, provider StateProvider, opts ...Option) *LocalEVMExecutor {
	if config == nil {
		config = DefaultExecutionConfig()
	}
	e := &LocalEVMExecutor{
		config:   config,
		provider: provider,
		log:      log.Root(),
	}
	o := &options{slotCacheSize: simulator.DefaultSlotCacheSize}
	for _, opt := range opts {
		opt(e, o)
	}
	e.locator = simulator.NewSlotLocator(e, o.slotCacheSize, e.log)
	return e
}

// GetConfig 获取执行配置
func (e *LocalEVMExecutor) GetConfig() *ExecutionConfig {
	return e.config
}

// Simulate 实现 simulator.Adapter
// 语义覆盖先转换为具体状态覆盖并在执行前整体应用；无法定位槽位时返回 *simulator.SlotError
func (e *LocalEVMExecutor) Simulate(ctx context.Context, req simulator.Request) (*simulator.Outcome, error) {
	if err := req.Tx.Validate(); err != nil {
		return nil, err
	}
	override, err := e.locator.Materialize(ctx, req.Block, req.Overrides)
	if err != nil {
		return nil, err
	}

	tracer := NewCallTracer()
	_, _, _, err = e.run(ctx, req.Block, req.Tx.From, req.Tx.To, req.Tx.Data,
		req.Tx.GasLimit(), req.Tx.CallValue(), override, tracer.Hooks())
	if err != nil {
		return nil, err
	}

	out := simulator.NewOutcome(tracer.Trace(""))
	e.log.Debug("[LocalEVM] simulated", "to", req.Tx.To, "block", req.Block, "overrides", len(req.Overrides),
		"slots", override.Slots(), "success", out.Success, "frames", out.Trace.Len(), "gasUsed", out.GasUsed)
	return out, nil
}

// CallView 实现 simulator.StateReader
func (e *LocalEVMExecutor) CallView(ctx context.Context, block simulator.BlockRef, to common.Address, data []byte, ov simulator.StateOverride) ([]byte, error) {
	ret, _, execErr, err := e.run(ctx, block, viewCaller, to, data, e.config.ViewGas, new(uint256.Int), ov, nil)
	if err != nil {
		return nil, err
	}
	if execErr != nil {
		return nil, &simulator.ViewCallError{To: to, Reason: revertReason(ret, execErr)}
	}
	return ret, nil
}

// AccessedSlots 实现 simulator.SlotBackend
func (e *LocalEVMExecutor) AccessedSlots(ctx context.Context, block simulator.BlockRef, to common.Address, data []byte) ([]simulator.SlotRead, error) {
	recorder := NewSlotRecorder()
	ret, _, execErr, err := e.run(ctx, block, viewCaller, to, data, e.config.ViewGas, new(uint256.Int), nil, recorder.Hooks())
	if err != nil {
		return nil, err
	}
	if execErr != nil {
		return nil, &simulator.ViewCallError{To: to, Reason: revertReason(ret, execErr)}
	}
	return recorder.Reads(), nil
}

// CodeAt 实现 simulator.StateReader
func (e *LocalEVMExecutor) CodeAt(ctx context.Context, block simulator.BlockRef, addr common.Address) ([]byte, error) {
	sdb := NewStateAdapter(ctx, block, e.provider, nil)
	code := sdb.GetCode(addr)
	return code, sdb.Err()
}

// StorageAt 实现 simulator.StateReader
func (e *LocalEVMExecutor) StorageAt(ctx context.Context, block simulator.BlockRef, addr common.Address, slot common.Hash) (common.Hash, error) {
	sdb := NewStateAdapter(ctx, block, e.provider, nil)
	v := sdb.GetState(addr, slot)
	return v, sdb.Err()
}

// BalanceAt 实现 simulator.StateReader
func (e *LocalEVMExecutor) BalanceAt(ctx context.Context, block simulator.BlockRef, addr common.Address) (*uint256.Int, error) {
	sdb := NewStateAdapter(ctx, block, e.provider, nil)
	v := sdb.GetBalance(addr)
	return v, sdb.Err()
}

// run 在新的 StateAdapter 上执行一次调用
// execErr 为EVM执行结果错误（revert 等）；err 为适配器致命错误
func (e *LocalEVMExecutor) run(
	ctx context.Context,
	block simulator.BlockRef,
	from, to common.Address,
	input []byte,
	gas uint64,
	value *uint256.Int,
	override simulator.StateOverride,
	hooks *tracing.Hooks,
) (ret []byte, leftoverGas uint64, execErr error, err error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, nil, fmt.Errorf("%w: %w", ErrExecutionAborted, err)
	}
	cfg, err := e.blockConfig(ctx, block)
	if err != nil {
		return nil, 0, nil, err
	}

	// 1. 创建StateAdapter
	stateDB := NewStateAdapter(ctx, block, e.provider, override)

	// 2. 创建EVM
	blockCtx := buildBlockContext(cfg)
	chainConfig := buildChainConfig(cfg)
	evm := vm.NewEVM(blockCtx, stateDB, chainConfig, vm.Config{Tracer: hooks})
	evm.SetTxContext(vm.TxContext{
		Origin:   from,
		GasPrice: big.NewInt(0),
	})

	stop := context.AfterFunc(ctx, evm.Cancel)
	defer stop()

	// 3. 准备StateDB
	rules := chainConfig.Rules(blockCtx.BlockNumber, blockCtx.Random != nil, blockCtx.Time)
	precompiles := vm.ActivePrecompiledContracts(rules)
	precompileAddrs := make([]common.Address, 0, len(precompiles))
	for addr := range precompiles {
		precompileAddrs = append(precompileAddrs, addr)
	}
	stateDB.Prepare(rules, from, cfg.Coinbase, &to, precompileAddrs, nil)

	// 4. 执行
	ret, leftoverGas, execErr = evm.Call(from, to, input, gas, value)

	if err := ctx.Err(); err != nil {
		return nil, 0, nil, fmt.Errorf("%w: %w", ErrExecutionAborted, err)
	}
	if err := stateDB.Err(); err != nil {
		return nil, 0, nil, err
	}
	return ret, leftoverGas, execErr, nil
}

// blockConfig 返回分叉区块对应的执行配置
func (e *LocalEVMExecutor) blockConfig(ctx context.Context, block simulator.BlockRef) (*ExecutionConfig, error) {
	cfg := e.config.Copy()
	if block.Number != nil {
		cfg.BlockNumber = new(big.Int).Set(block.Number)
	}
	hp, ok := e.provider.(HeaderProvider)
	if !ok {
		return cfg, nil
	}
	header, err := hp.HeaderAt(ctx, block)
	if err != nil {
		return nil, err
	}
	if header == nil {
		return cfg, nil
	}
	cfg.BlockNumber = new(big.Int).Set(header.Number)
	cfg.Time = header.Time
	cfg.GasLimit = header.GasLimit
	cfg.Coinbase = header.Coinbase
	if header.BaseFee != nil {
		cfg.BaseFee = new(big.Int).Set(header.BaseFee)
	}
	if header.MixDigest != (common.Hash{}) {
		cfg.Random = header.MixDigest
	}
	return cfg, nil
}

// buildBlockContext 构建区块上下文
func buildBlockContext(cfg *ExecutionConfig) vm.BlockContext {
	random := cfg.Random
	return vm.BlockContext{
		CanTransfer: CanTransfer,
		Transfer:    Transfer,
		GetHash:     GetHashFn(cfg.BlockNumber),
		Coinbase:    cfg.Coinbase,
		GasLimit:    cfg.GasLimit,
		BlockNumber: cfg.BlockNumber,
		Time:        cfg.Time,
		Difficulty:  big.NewInt(0),
		BaseFee:     cfg.BaseFee,
		BlobBaseFee: cfg.BlobBaseFee,
		Random:      &random,
	}
}

// buildChainConfig 构建链配置
func buildChainConfig(cfg *ExecutionConfig) *params.ChainConfig {
	// 所有分叉在创世激活，Cancun 为基准（支持 PUSH0、TSTORE、MCOPY）
	zero := uint64(0)
	return &params.ChainConfig{
		ChainID:                 cfg.ChainID,
		HomesteadBlock:          big.NewInt(0),
		EIP150Block:             big.NewInt(0),
		EIP155Block:             big.NewInt(0),
		EIP158Block:             big.NewInt(0),
		ByzantiumBlock:          big.NewInt(0),
		ConstantinopleBlock:     big.NewInt(0),
		PetersburgBlock:         big.NewInt(0),
		IstanbulBlock:           big.NewInt(0),
		MuirGlacierBlock:        big.NewInt(0),
		BerlinBlock:             big.NewInt(0),
		LondonBlock:             big.NewInt(0),
		ArrowGlacierBlock:       big.NewInt(0),
		GrayGlacierBlock:        big.NewInt(0),
		MergeNetsplitBlock:      big.NewInt(0),
		ShanghaiTime:            &zero,
		CancunTime:              &zero,
		TerminalTotalDifficulty: big.NewInt(0),
		BlobScheduleConfig: &params.BlobScheduleConfig{
			Cancun: params.DefaultCancunBlobConfig,
		},
	}
}

// CanTransfer 检查是否可以转账
func CanTransfer(db vm.StateDB, addr common.Address, amount *uint256.Int) bool {
	return db.GetBalance(addr).Cmp(amount) >= 0
}

// Transfer 执行转账
func Transfer(db vm.StateDB, sender, recipient common.Address, amount *uint256.Int) {
	db.SubBalance(sender, amount, tracing.BalanceChangeTransfer)
	db.AddBalance(recipient, amount, tracing.BalanceChangeTransfer)
}

// GetHashFn 返回获取区块哈希的函数（伪哈希）
func GetHashFn(blockNumber *big.Int) func(n uint64) common.Hash {
	return func(n uint64) common.Hash {
		return common.BigToHash(new(big.Int).SetUint64(n))
	}
}

func revertReason(ret []byte, execErr error) string {
	if reason, err := abi.UnpackRevert(ret); err == nil {
		return reason
	}
	return execErr.Error()
}
