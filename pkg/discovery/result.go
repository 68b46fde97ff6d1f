package discovery

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"assetsim/pkg/assets"
	"assetsim/pkg/simulator"
)

// ErrCancelled 发现运行在两次迭代之间被取消
var ErrCancelled = errors.New("discovery cancelled")

// Status 发现运行的终止状态
type Status string

const (
	StatusSucceeded      Status = "succeeded"          // 应用全部覆盖后顶层调用成功
	StatusUnsatisfiable  Status = "unsatisfiable"      // 某个需求在上限内无法满足
	StatusUndiagnosed    Status = "undiagnosed-revert" // 失败帧没有匹配的检查器
	StatusDidNotConverge Status = "did-not-converge"   // 达到最大迭代次数
	StatusNonMonotonic   Status = "non-monotonic"      // 观察到充分性违反单调性
	StatusCancelled      Status = "cancelled"          // 运行被取消，结果为部分结果
)

// Result 一次发现运行的结果
// 除致命适配器错误外总会返回；调用方按 Status 分支
type Result struct {
	Status       Status
	At           *assets.Identity // unsatisfiable / non-monotonic 时的需求身份
	Detail       string
	Requirements []assets.Requirement // 发现顺序
	Overrides    []assets.Override    // 与 Requirements 一一对应
	Iterations   int
	Simulations  int
	Outcome      *simulator.Outcome // 最后一次主循环模拟
}

// Succeeded 是否成功
func (r *Result) Succeeded() bool {
	return r != nil && r.Status == StatusSucceeded
}

// String 返回状态摘要
func (r *Result) String() string {
	s := string(r.Status)
	if r.At != nil {
		s += " at " + r.At.String()
	}
	if r.Detail != "" {
		s += ": " + r.Detail
	}
	return s
}

// ============ 报告 ============

// IdentityReport 报告中的需求身份
type IdentityReport struct {
	Account   common.Address  `json:"account"`
	Asset     string          `json:"asset"`
	Kind      assets.Kind     `json:"kind"`
	Spender   *common.Address `json:"spender,omitempty"`
	Authority *common.Address `json:"authority,omitempty"`
}

// RequirementReport 报告中的一条需求
type RequirementReport struct {
	IdentityReport
	MinimumAmount string `json:"minimumAmount"`
	Current       string `json:"current,omitempty"`
	Missing       string `json:"missing,omitempty"`
}

// Report 发现结果的JSON报告
type Report struct {
	Status       Status              `json:"status"`
	At           *IdentityReport     `json:"at,omitempty"`
	Detail       string              `json:"detail,omitempty"`
	Iterations   int                 `json:"iterations"`
	Simulations  int                 `json:"simulations"`
	Requirements []RequirementReport `json:"requirements"`
}

func identityReport(id assets.Identity) IdentityReport {
	out := IdentityReport{Account: id.Account, Asset: id.Asset.String(), Kind: id.Kind}
	if id.Kind == assets.KindAllowance {
		spender := id.Spender
		out.Spender = &spender
	}
	if id.Authority != (common.Address{}) {
		authority := id.Authority
		out.Authority = &authority
	}
	return out
}

// Report 生成报告
func (r *Result) Report() Report {
	rep := Report{
		Status:       r.Status,
		Detail:       r.Detail,
		Iterations:   r.Iterations,
		Simulations:  r.Simulations,
		Requirements: make([]RequirementReport, 0, len(r.Requirements)),
	}
	if r.At != nil {
		at := identityReport(*r.At)
		rep.At = &at
	}
	for _, req := range r.Requirements {
		item := RequirementReport{IdentityReport: identityReport(req.Identity)}
		if req.Amount != nil {
			item.MinimumAmount = req.Amount.Dec()
		}
		if req.Current != nil {
			item.Current = req.Current.Dec()
		}
		if req.Missing != nil {
			item.Missing = req.Missing.Dec()
		}
		rep.Requirements = append(rep.Requirements, item)
	}
	return rep
}

// JSON 返回缩进的JSON报告
func (r *Result) JSON() ([]byte, error) {
	data, err := json.MarshalIndent(r.Report(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return data, nil
}
