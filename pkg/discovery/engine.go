// Package discovery 实现资产需求发现循环
//
// 模拟 → 诊断（代理解析 + 检查器匹配）→ 搜索最小数量 → 累积覆盖 → 再模拟，
// 直到顶层调用成功或进入终止状态。覆盖累积在每次运行独立的账本中，不同运行互不干扰。
package discovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"assetsim/pkg/assets"
	"assetsim/pkg/checkers"
	"assetsim/pkg/proxy"
	"assetsim/pkg/search"
	"assetsim/pkg/simulator"
	"assetsim/pkg/trace"
)

// DefaultMaxIterations 默认最大迭代次数
const DefaultMaxIterations = 10

// slotNotLocatable 槽位无法定位时的终止说明
const slotNotLocatable = "storage slot not locatable"

// Options 发现参数
type Options struct {
	MaxIterations  int
	Search         search.Config
	Registry       *checkers.Registry
	PruneRedundant bool // 成功后移除去掉仍成功的需求
	Logger         log.Logger
}

// DefaultOptions 返回默认参数
func DefaultOptions() Options {
	return Options{
		MaxIterations: DefaultMaxIterations,
		Search:        search.DefaultConfig(),
		Registry:      checkers.DefaultRegistry(),
		Logger:        log.Root(),
	}
}

// Engine 发现引擎；自身无可变状态，可被多个并发运行共享
type Engine struct {
	adapter  simulator.Adapter
	resolver *proxy.Resolver
	opts     Options
	log      log.Logger
}

// NewEngine 创建发现引擎
func NewEngine(adapter simulator.Adapter, opts Options) (*Engine, error) {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.Search.Seed == nil && opts.Search.Ceiling == nil && opts.Search.Sentinel == nil {
		opts.Search = search.DefaultConfig()
	}
	if err := opts.Search.Validate(); err != nil {
		return nil, err
	}
	if opts.Registry == nil {
		opts.Registry = checkers.DefaultRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = log.Root()
	}
	return &Engine{
		adapter:  adapter,
		resolver: proxy.NewResolver(adapter, opts.Logger),
		opts:     opts,
		log:      opts.Logger,
	}, nil
}

// run 单次发现运行的状态
type run struct {
	*Engine
	tx       simulator.TxSpec
	block    simulator.BlockRef
	ledger   *assets.Ledger
	searcher *search.Searcher
	sims     int
	res      *Result
}

// Discover 发现交易在分叉区块上执行所需的资产前置条件
//
// 诊断性终止状态通过 Result.Status 返回；致命适配器错误返回 error。
// 在两次迭代之间检查取消，取消时返回部分结果与包装了 ctx.Err() 的 ErrCancelled。
func (e *Engine) Discover(ctx context.Context, tx simulator.TxSpec, block simulator.BlockRef) (*Result, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	r := &run{
		Engine:   e,
		tx:       tx,
		block:    block,
		ledger:   assets.NewLedger(),
		searcher: search.New(e.adapter, e.opts.Search, e.log),
		res:      &Result{},
	}
	logger := e.log.New("to", tx.To, "block", block)

	for r.res.Status == "" {
		if ctx.Err() != nil {
			return r.abort(ctx, nil)
		}
		if r.res.Iterations >= e.opts.MaxIterations {
			r.res.Status = StatusDidNotConverge
			r.res.Detail = fmt.Sprintf("no success after %d iterations", e.opts.MaxIterations)
			break
		}
		r.res.Iterations++
		logger.Debug("[Discovery] simulating", "iteration", r.res.Iterations, "overrides", r.ledger.Len())

		if err := r.iterate(ctx, logger); err != nil {
			return r.abort(ctx, err)
		}
	}

	if r.res.Status == StatusSucceeded && e.opts.PruneRedundant {
		if err := r.prune(ctx, logger); err != nil {
			return r.abort(ctx, err)
		}
	}
	if err := r.readCurrent(ctx, logger); err != nil {
		return r.abort(ctx, err)
	}

	r.finish()
	logger.Info("[Discovery] finished", "status", r.res, "requirements", len(r.res.Requirements),
		"iterations", r.res.Iterations, "simulations", r.res.Simulations)
	return r.res, nil
}

// iterate 执行一轮 模拟→诊断→搜索→累积；进入终止状态时设置 res.Status
func (r *run) iterate(ctx context.Context, logger log.Logger) error {
	req := simulator.Request{Tx: r.tx, Block: r.block, Overrides: r.ledger.Overrides()}
	out, err := r.adapter.Simulate(ctx, req)
	r.sims++
	if err != nil {
		return r.terminalOrFatal(err)
	}
	r.res.Outcome = out
	if out.Success {
		r.res.Status = StatusSucceeded
		return nil
	}

	// 诊断
	idx := out.Failing
	resolution, err := r.resolver.Resolve(ctx, r.block, out.Trace, idx)
	if err != nil {
		return err
	}
	frame := checkers.NewFrame(out.Trace, idx, resolution)
	site := out.Trace.SiteOf(idx)
	checker, ok := r.opts.Registry.Match(frame)
	if !ok {
		r.res.Status = StatusUndiagnosed
		r.res.Detail = undiagnosedDetail(frame, site)
		logger.Info("[Discovery] undiagnosed revert", "site", site, "detail", r.res.Detail)
		return nil
	}
	finding, err := checker.Extract(frame)
	if err != nil {
		r.res.Status = StatusUndiagnosed
		r.res.Detail = fmt.Sprintf("%s: %v", checker.Name(), err)
		return nil
	}
	logger.Debug("[Discovery] diagnosed", "checker", checker.Name(), "site", site,
		"code", resolution.Code, "proxy", resolution.Method, "candidates", len(finding.Candidates))

	// 搜索
	results, err := r.searcher.Run(ctx, search.Target{
		Request: req,
		Site:    site,
		Checker: checker,
		Finding: finding,
		Floor:   r.floor,
	})
	if err != nil {
		return r.terminalOrFatal(err)
	}

	// 累积
	for _, sr := range results {
		switch sr.Status {
		case search.Found:
			requirement := assets.Requirement{Identity: sr.Identity, Amount: sr.Amount}
			if r.ledger.Record(requirement, sr.Override) {
				logger.Info("[Discovery] requirement", "identity", sr.Identity, "amount", sr.Amount.Dec(),
					"checker", checker.Name(), "iteration", r.res.Iterations)
			}
		case search.Unsatisfiable:
			r.terminate(StatusUnsatisfiable, sr.Identity, sr.Detail)
			return nil
		case search.NonMonotonic:
			r.terminate(StatusNonMonotonic, sr.Identity, sr.Detail)
			return nil
		}
	}
	return nil
}

// terminalOrFatal 槽位无法定位转为不可满足终止状态，其余错误交给调用方
func (r *run) terminalOrFatal(err error) error {
	var slotErr *simulator.SlotError
	if errors.As(err, &slotErr) {
		r.terminate(StatusUnsatisfiable, slotErr.Identity, slotNotLocatable)
		r.log.Warn("[Discovery] storage slot not locatable", "identity", slotErr.Identity, "err", slotErr.Err)
		return nil
	}
	return err
}

func (r *run) terminate(status Status, id assets.Identity, detail string) {
	r.res.Status = status
	r.res.At = &id
	r.res.Detail = detail
}

// floor 返回已记录金额，搜索把它当作已知不充分的下界
func (r *run) floor(id assets.Identity) *uint256.Int {
	if e, ok := r.ledger.Lookup(id); ok {
		return e.Requirement.Amount
	}
	return nil
}

// prune 逐个尝试移除需求，去掉后仍成功的需求连同覆盖一起删除
func (r *run) prune(ctx context.Context, logger log.Logger) error {
	for _, req := range r.ledger.Requirements() {
		overrides := assets.Without(r.ledger.Overrides(), req.Identity)
		out, err := r.adapter.Simulate(ctx, simulator.Request{Tx: r.tx, Block: r.block, Overrides: overrides})
		r.sims++
		if err != nil {
			var slotErr *simulator.SlotError
			if errors.As(err, &slotErr) {
				continue
			}
			return err
		}
		if out.Success {
			r.ledger.Drop(req.Identity)
			r.res.Outcome = out
			logger.Info("[Discovery] pruned redundant requirement", "identity", req.Identity)
		}
	}
	return nil
}

// readCurrent 读取每个需求在分叉状态下的当前值
// 视图调用失败按0处理；状态后端失败为致命错误
func (r *run) readCurrent(ctx context.Context, logger log.Logger) error {
	for _, entry := range r.entries() {
		current, err := simulator.ReadCurrent(ctx, r.adapter, r.block, entry.Override)
		if err != nil {
			var viewErr *simulator.ViewCallError
			if !errors.As(err, &viewErr) && !errors.Is(err, assets.ErrShortReturn) {
				return err
			}
			logger.Warn("[Discovery] current value unavailable, assuming zero", "identity", entry.Requirement.Identity, "err", err)
			current = new(uint256.Int)
		}
		r.ledger.SetCurrent(entry.Requirement.Identity, current)
	}
	return nil
}

func (r *run) entries() []assets.Entry {
	reqs := r.ledger.Requirements()
	out := make([]assets.Entry, 0, len(reqs))
	for _, req := range reqs {
		if e, ok := r.ledger.Lookup(req.Identity); ok {
			out = append(out, e)
		}
	}
	return out
}

func (r *run) finish() {
	r.res.Requirements = r.ledger.Requirements()
	r.res.Overrides = r.ledger.Overrides()
	r.res.Simulations = r.sims + r.searcher.Simulations()
}

// abort 上下文已取消时返回部分结果与 ErrCancelled，否则原样返回致命错误
func (r *run) abort(ctx context.Context, err error) (*Result, error) {
	cause := ctx.Err()
	if cause == nil {
		return nil, err
	}
	r.res.Status = StatusCancelled
	r.res.At = nil
	r.res.Detail = cause.Error()
	r.finish()
	r.log.Info("[Discovery] cancelled", "requirements", len(r.res.Requirements), "iterations", r.res.Iterations)
	return r.res, fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// undiagnosedDetail 描述未诊断的失败
func undiagnosedDetail(f *checkers.Frame, site trace.Site) string {
	if !f.Resolution.Resolved {
		return fmt.Sprintf("unresolved proxy at %s: %s", f.Call.To.Hex(), f.Resolution.Reason)
	}
	reason := trace.RevertReason(f.Call)
	if reason == "" {
		reason = site.Class
	}
	return fmt.Sprintf("%s reverted: %s", f.Call.To.Hex(), reason)
}
