// Package search 寻找使失败调用点不再以同一失败结束的最小需求数量
//
// 搜索以充分性单调为前提：更多的余额或授权不会重新引入一个更少时能够消除的失败。
// 违反单调性的检查器领域结果未定义；搜索记录每次探测，观察到违例时报告 NonMonotonic。
package search

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"assetsim/pkg/assets"
	"assetsim/pkg/checkers"
	"assetsim/pkg/simulator"
	"assetsim/pkg/trace"
)

// Config 搜索参数
type Config struct {
	Seed     *uint256.Int // 倍增起点
	Ceiling  *uint256.Int // 上限，达到仍不充分即不可满足
	Sentinel *uint256.Int // 需求对隔离时另一候选的取值
}

// DefaultConfig 返回默认搜索参数：种子 1，上限 10^30，哨兵 2^128
func DefaultConfig() Config {
	ceiling := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(30))
	return Config{
		Seed:     uint256.NewInt(1),
		Ceiling:  ceiling,
		Sentinel: new(uint256.Int).Lsh(uint256.NewInt(1), 128),
	}
}

// Validate 检查参数一致性
func (c Config) Validate() error {
	if c.Seed == nil || c.Ceiling == nil || c.Sentinel == nil {
		return fmt.Errorf("search config: seed, ceiling and sentinel must be set")
	}
	if c.Seed.IsZero() {
		return fmt.Errorf("search config: seed must be positive")
	}
	if c.Seed.Gt(c.Ceiling) {
		return fmt.Errorf("search config: seed %s exceeds ceiling %s", c.Seed.Dec(), c.Ceiling.Dec())
	}
	return nil
}

// Status 单个需求的搜索结论
type Status int

const (
	Found         Status = iota // 找到最小充分值
	Unsatisfiable               // 上限内不可满足
	NonMonotonic                // 观察到单调性违例
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case Unsatisfiable:
		return "unsatisfiable"
	case NonMonotonic:
		return "non-monotonic"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Probe 一次探测
type Probe struct {
	Value      *uint256.Int
	Sufficient bool
}

// Result 单个候选的搜索结果
type Result struct {
	Identity assets.Identity
	Status   Status
	Amount   *uint256.Int    // 仅 Found 有效
	Override assets.Override // 仅 Found 有效
	Probes   []Probe
	Detail   string
}

// Target 一次搜索的输入
type Target struct {
	Request simulator.Request // 当前累积覆盖下的请求
	Site    trace.Site        // 诊断出的失败调用点
	Checker checkers.Checker
	Finding checkers.Finding

	// Floor 返回身份已记录的金额，作为已知不充分的下界；可为nil
	Floor func(assets.Identity) *uint256.Int
}

// Searcher 需求搜索器；非并发安全，每次发现运行使用独立实例
type Searcher struct {
	adapter simulator.Adapter
	cfg     Config
	log     log.Logger
	sims    int
}

// New 创建搜索器
func New(adapter simulator.Adapter, cfg Config, logger log.Logger) *Searcher {
	if logger == nil {
		logger = log.Root()
	}
	return &Searcher{adapter: adapter, cfg: cfg, log: logger}
}

// Simulations 返回已执行的模拟次数
func (s *Searcher) Simulations() int {
	return s.sims
}

// Run 对诊断结果中的候选执行搜索，按候选顺序返回结果
//
// 单个候选直接搜索。需求对先逐个判断是否受约束：该候选保持现值、其他候选取哨兵值时
// 仍在同一调用点以同一失败结束即为受约束；每个受约束的候选在其他候选取哨兵值的条件下搜索。
// 没有受约束的候选时按原状态搜索第一个候选。遇到首个非 Found 结果即停止。
func (s *Searcher) Run(ctx context.Context, t Target) ([]Result, error) {
	cands := t.Finding.Candidates
	if len(cands) == 0 {
		return nil, fmt.Errorf("checker %s produced no candidates", t.Finding.Checker)
	}
	if len(cands) == 1 {
		r, err := s.minimize(ctx, t, cands[0], nil)
		if err != nil {
			return nil, err
		}
		return []Result{r}, nil
	}

	var binding []int
	for i := range cands {
		ok, err := s.sufficient(ctx, t, s.sentinels(t, i))
		if err != nil {
			return nil, err
		}
		if !ok {
			binding = append(binding, i)
		}
		s.log.Debug("[Search] pair isolation", "identity", cands[i].Identity, "binding", !ok)
	}

	if len(binding) == 0 {
		r, err := s.minimize(ctx, t, cands[0], nil)
		if err != nil {
			return nil, err
		}
		return []Result{r}, nil
	}

	results := make([]Result, 0, len(binding))
	for _, i := range binding {
		r, err := s.minimize(ctx, t, cands[i], s.sentinels(t, i))
		if err != nil {
			return results, err
		}
		results = append(results, r)
		if r.Status != Found {
			break
		}
	}
	return results, nil
}

// sentinels 返回除第 skip 个以外所有候选取哨兵值的覆盖
func (s *Searcher) sentinels(t Target, skip int) []assets.Override {
	var out []assets.Override
	for i, c := range t.Finding.Candidates {
		if i != skip {
			out = append(out, t.Checker.BuildOverride(c.Identity, s.cfg.Sentinel))
		}
	}
	return out
}

// sufficient 在当前覆盖加 extra 下模拟：顶层成功或失败点变化即为充分
func (s *Searcher) sufficient(ctx context.Context, t Target, extra []assets.Override) (bool, error) {
	req := t.Request.WithOverrides(assets.Merge(t.Request.Overrides, extra...))
	out, err := s.adapter.Simulate(ctx, req)
	s.sims++
	if err != nil {
		return false, err
	}
	if out.Success {
		return true, nil
	}
	return out.Trace.SiteOf(out.Failing) != t.Site, nil
}

// minimize 倍增加二分寻找候选的最小充分值
func (s *Searcher) minimize(ctx context.Context, t Target, c checkers.Candidate, extra []assets.Override) (Result, error) {
	res := Result{Identity: c.Identity}
	ceiling := s.cfg.Ceiling

	test := func(v *uint256.Int) (bool, error) {
		ov := t.Checker.BuildOverride(c.Identity, v)
		ok, err := s.sufficient(ctx, t, append(append([]assets.Override{}, extra...), ov))
		if err != nil {
			return false, err
		}
		res.Probes = append(res.Probes, Probe{Value: new(uint256.Int).Set(v), Sufficient: ok})
		return ok, nil
	}

	// lo 已知不充分（已记录金额或0，不需探测），hi 为已知充分的最小值
	lo := new(uint256.Int)
	if t.Floor != nil {
		if floor := t.Floor(c.Identity); floor != nil {
			lo.Set(floor)
		}
	}
	if !ceiling.Gt(lo) {
		res.Status = Unsatisfiable
		res.Detail = fmt.Sprintf("recorded amount %s already at ceiling %s", lo.Dec(), ceiling.Dec())
		return res, nil
	}

	var hi *uint256.Int
	if hint := c.Hint; hint != nil && hint.Gt(lo) && !hint.Gt(ceiling) {
		ok, err := test(hint)
		if err != nil {
			return res, err
		}
		if ok {
			prev := new(uint256.Int).SubUint64(hint, 1)
			if !prev.Gt(lo) {
				hi = new(uint256.Int).Set(hint)
			} else {
				ok, err = test(prev)
				if err != nil {
					return res, err
				}
				if ok {
					hi = prev
				} else {
					lo.Set(prev)
					hi = new(uint256.Int).Set(hint)
				}
			}
		} else {
			lo.Set(hint)
		}
	}

	if hi == nil {
		if !ceiling.Gt(lo) {
			return s.finish(res, Unsatisfiable, nil), nil
		}
		v := new(uint256.Int).Set(s.cfg.Seed)
		for !v.Gt(lo) {
			v = s.double(v)
		}
		for {
			ok, err := test(v)
			if err != nil {
				return res, err
			}
			if ok {
				hi = v
				break
			}
			lo.Set(v)
			if v.Eq(ceiling) {
				return s.finish(res, Unsatisfiable, nil), nil
			}
			v = s.double(v)
		}
	}

	for {
		gap := new(uint256.Int).Sub(hi, lo)
		if !gap.GtUint64(1) {
			break
		}
		mid := new(uint256.Int).Add(lo, gap.Rsh(gap, 1))
		ok, err := test(mid)
		if err != nil {
			return res, err
		}
		if ok {
			hi = mid
		} else {
			lo = mid
		}
	}

	// 上限处仍须充分，否则更大的值重新引入了失败
	if !probed(res.Probes, ceiling) {
		if _, err := test(ceiling); err != nil {
			return res, err
		}
	}
	res = s.finish(res, Found, hi)
	if res.Status == Found {
		res.Override = t.Checker.BuildOverride(c.Identity, res.Amount)
	}
	return res, nil
}

// double 返回 2v，不超过上限
func (s *Searcher) double(v *uint256.Int) *uint256.Int {
	if v.Gt(new(uint256.Int).Rsh(s.cfg.Ceiling, 1)) {
		return new(uint256.Int).Set(s.cfg.Ceiling)
	}
	return new(uint256.Int).Lsh(v, 1)
}

// finish 检查探测序列的单调性并生成结果
func (s *Searcher) finish(res Result, status Status, amount *uint256.Int) Result {
	for _, p := range res.Probes {
		if p.Sufficient {
			continue
		}
		for _, q := range res.Probes {
			if q.Sufficient && p.Value.Gt(q.Value) {
				res.Status = NonMonotonic
				res.Detail = fmt.Sprintf("%s insufficient but %s sufficient", p.Value.Dec(), q.Value.Dec())
				s.log.Warn("[Search] non-monotonic sufficiency", "identity", res.Identity, "detail", res.Detail)
				return res
			}
		}
	}
	res.Status = status
	if status == Found {
		res.Amount = new(uint256.Int).Set(amount)
		s.log.Debug("[Search] minimum found", "identity", res.Identity, "amount", amount.Dec(), "probes", len(res.Probes))
	} else {
		res.Detail = fmt.Sprintf("still failing at ceiling %s", s.cfg.Ceiling.Dec())
		s.log.Debug("[Search] unsatisfiable", "identity", res.Identity, "ceiling", s.cfg.Ceiling.Dec())
	}
	return res
}

func probed(probes []Probe, v *uint256.Int) bool {
	for _, p := range probes {
		if p.Value.Eq(v) {
			return true
		}
	}
	return false
}
