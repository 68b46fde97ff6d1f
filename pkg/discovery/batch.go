package discovery

import (
	"context"

	"golang.org/x/sync/errgroup"

	"assetsim/pkg/simulator"
)

// DefaultWorkers 批量运行的默认并发数
const DefaultWorkers = 4

// Item 批量运行中的一个独立任务
type Item struct {
	Name  string
	Tx    simulator.TxSpec
	Block simulator.BlockRef
}

// ItemResult 单个任务的结果；Err 为该任务的致命错误，不影响其他任务
type ItemResult struct {
	Name   string
	Result *Result
	Err    error
}

// DiscoverAll 并发执行互相独立的发现运行，结果顺序与输入一致
// 每个运行拥有自己的账本与搜索器，只共享只读的引擎与适配器
func (e *Engine) DiscoverAll(ctx context.Context, items []Item, workers int) []ItemResult {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	results := make([]ItemResult, len(items))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			res, err := e.Discover(ctx, item.Tx, item.Block)
			results[i] = ItemResult{Name: item.Name, Result: res, Err: err}
			if err != nil {
				e.log.Warn("[Discovery] batch item failed", "name", item.Name, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
