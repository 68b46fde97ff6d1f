package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/urfave/cli/v2"

	"assetsim/pkg/config"
	"assetsim/pkg/discovery"
	"assetsim/pkg/simulator"
	"assetsim/pkg/simulator/local"
	"assetsim/pkg/simulator/remote"
)

// session 一次命令执行所需的配置、适配器与发现引擎
type session struct {
	cfg    *config.Config
	log    log.Logger
	client *rpc.Client // 仅配置了 rpc_url 时非nil
	engine *discovery.Engine
}

// newSession 加载配置并按执行模式组装适配器
func newSession(c *cli.Context) (*session, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	logger, err := Logger(os.Stderr, cfg.Log)
	if err != nil {
		return nil, err
	}
	log.SetDefault(logger)

	s := &session{cfg: cfg, log: logger}
	if cfg.RPCURL != "" {
		s.client, err = rpc.DialContext(c.Context, cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
		}
	}

	adapter, err := s.adapter()
	if err != nil {
		s.Close()
		return nil, err
	}
	opts, err := cfg.DiscoveryOptions(logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.engine, err = discovery.NewEngine(adapter, opts)
	if err != nil {
		s.Close()
		return nil, err
	}
	logger.Info("[Session] ready", "mode", cfg.ExecutionMode(), "block", cfg.BlockRef(),
		"checkers", cfg.Discovery.Checkers, "maxIterations", cfg.Discovery.MaxIterations)
	return s, nil
}

func (s *session) adapter() (simulator.Adapter, error) {
	size := s.cfg.Cache.Size
	switch s.cfg.ExecutionMode() {
	case simulator.ModeRPC:
		return remote.NewRPCAdapter(s.client, remote.WithLogger(s.log), remote.WithSlotCacheSize(size)), nil
	default:
		var provider local.StateProvider
		if s.client != nil {
			cached, err := local.NewCachedProvider(local.NewRPCStateProvider(s.client), size)
			if err != nil {
				return nil, err
			}
			provider = cached
		}
		if s.cfg.Prestate != "" {
			alloc, err := loadPrestate(s.cfg.Prestate)
			if err != nil {
				return nil, err
			}
			s.log.Info("[Session] loaded prestate", "file", s.cfg.Prestate, "accounts", len(alloc), "slots", alloc.Slots())
			provider = local.NewMemoryProvider(alloc, provider)
		}
		return local.NewLocalEVMExecutor(nil, provider, local.WithLogger(s.log), local.WithSlotCacheSize(size)), nil
	}
}

// txSource 交易重放需要RPC
func (s *session) txSource() (simulator.TxSource, error) {
	if s.client == nil {
		return nil, fmt.Errorf("replay requires an rpc endpoint (--rpc or rpc_url)")
	}
	return ethclient.NewClient(s.client), nil
}

// Close 释放RPC连接
func (s *session) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

func loadPrestate(path string) (simulator.StateOverride, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open prestate: %w", err)
	}
	defer f.Close()
	alloc, err := simulator.LoadPrestate(f)
	if err != nil {
		return nil, fmt.Errorf("prestate %s: %w", path, err)
	}
	return alloc, nil
}

// discover 运行单个发现并输出报告
func (s *session) discover(ctx context.Context, c *cli.Context, tx simulator.TxSpec, block simulator.BlockRef) error {
	res, err := s.engine.Discover(ctx, tx, block)
	if res != nil {
		if outErr := writeResult(c, res); outErr != nil {
			return outErr
		}
	}
	if err != nil {
		return err
	}
	if !res.Succeeded() {
		return cli.Exit("", 2)
	}
	return nil
}
