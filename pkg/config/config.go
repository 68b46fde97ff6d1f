// Package config 加载 assetsim 的 YAML 配置与批量请求文件
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v2"

	"assetsim/pkg/checkers"
	"assetsim/pkg/discovery"
	"assetsim/pkg/search"
	"assetsim/pkg/simulator"
)

// Config 顶层配置
type Config struct {
	RPCURL   string `yaml:"rpc_url"`
	Mode     string `yaml:"mode"`     // local | rpc
	Block    string `yaml:"block"`    // latest 或区块高度
	Prestate string `yaml:"prestate"` // 本地模式的预置状态文件（可选）

	Discovery DiscoveryConfig `yaml:"discovery"`
	Search    SearchConfig    `yaml:"search"`
	Cache     CacheConfig     `yaml:"cache"`
	Batch     BatchConfig     `yaml:"batch"`
	Log       LogConfig       `yaml:"log"`
}

// DiscoveryConfig 发现循环配置
type DiscoveryConfig struct {
	MaxIterations  int      `yaml:"max_iterations"`
	PruneRedundant bool     `yaml:"prune_redundant"`
	Checkers       []string `yaml:"checkers"` // 按优先级排列，空表示全部
}

// SearchConfig 搜索配置，数值为十进制或0x十六进制字符串
type SearchConfig struct {
	Seed     string `yaml:"seed"`
	Ceiling  string `yaml:"ceiling"`
	Sentinel string `yaml:"sentinel"`
}

// CacheConfig 分叉读取与槽位定位缓存
type CacheConfig struct {
	Size int `yaml:"size"`
}

// BatchConfig 批量运行配置
type BatchConfig struct {
	Workers int `yaml:"workers"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`  // trace | debug | info | warn | error | crit
	Format string `yaml:"format"` // terminal | logfmt | json
}

// SlogLevel 解析日志级别
func (l LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(l.Level)) {
	case "trace":
		return log.LevelTrace, nil
	case "debug":
		return log.LevelDebug, nil
	case "", "info":
		return log.LevelInfo, nil
	case "warn":
		return log.LevelWarn, nil
	case "error":
		return log.LevelError, nil
	case "crit":
		return log.LevelCrit, nil
	default:
		return log.LevelInfo, fmt.Errorf("unknown log.level %q", l.Level)
	}
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Mode:  "local",
		Block: "latest",
		Discovery: DiscoveryConfig{
			MaxIterations: discovery.DefaultMaxIterations,
			Checkers:      checkers.Names(checkers.All()),
		},
		Search: SearchConfig{
			Seed:     "1",
			Ceiling:  "1000000000000000000000000000000",
			Sentinel: "0x100000000000000000000000000000000",
		},
		Cache: CacheConfig{Size: simulator.DefaultSlotCacheSize},
		Batch: BatchConfig{Workers: discovery.DefaultWorkers},
		Log:   LogConfig{Level: "info", Format: "terminal"},
	}
}

// Load 从文件加载配置，未设置的字段取默认值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse 解析YAML配置；命令行参数覆盖之后由调用方执行 Validate
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults 填充显式置空的字段
func (c *Config) applyDefaults() {
	def := Default()
	if c.Mode == "" {
		c.Mode = def.Mode
	}
	if c.Block == "" {
		c.Block = def.Block
	}
	if c.Discovery.MaxIterations == 0 {
		c.Discovery.MaxIterations = def.Discovery.MaxIterations
	}
	if len(c.Discovery.Checkers) == 0 {
		c.Discovery.Checkers = def.Discovery.Checkers
	}
	if c.Search.Seed == "" {
		c.Search.Seed = def.Search.Seed
	}
	if c.Search.Ceiling == "" {
		c.Search.Ceiling = def.Search.Ceiling
	}
	if c.Search.Sentinel == "" {
		c.Search.Sentinel = def.Search.Sentinel
	}
	if c.Cache.Size == 0 {
		c.Cache.Size = def.Cache.Size
	}
	if c.Batch.Workers == 0 {
		c.Batch.Workers = def.Batch.Workers
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	mode, err := simulator.ParseMode(c.Mode)
	if err != nil {
		return err
	}
	if mode == simulator.ModeRPC && c.RPCURL == "" {
		return fmt.Errorf("rpc mode requires rpc_url")
	}
	if mode == simulator.ModeLocal && c.RPCURL == "" && c.Prestate == "" {
		return fmt.Errorf("local mode requires rpc_url or prestate")
	}
	if mode == simulator.ModeRPC && c.Prestate != "" {
		return fmt.Errorf("prestate is only supported in local mode")
	}
	if _, err := simulator.ParseBlock(c.Block); err != nil {
		return err
	}
	if c.Discovery.MaxIterations < 0 {
		return fmt.Errorf("discovery.max_iterations must be positive, got %d", c.Discovery.MaxIterations)
	}
	if _, err := checkers.ByName(c.Discovery.Checkers); err != nil {
		return err
	}
	if _, err := c.SearchParams(); err != nil {
		return err
	}
	if c.Cache.Size < 0 {
		return fmt.Errorf("cache.size must be positive, got %d", c.Cache.Size)
	}
	if c.Batch.Workers < 0 {
		return fmt.Errorf("batch.workers must be positive, got %d", c.Batch.Workers)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "terminal", "logfmt", "json":
	default:
		return fmt.Errorf("unknown log.format %q (want terminal, logfmt or json)", c.Log.Format)
	}
	return nil
}

// ExecutionMode 返回执行模式
func (c *Config) ExecutionMode() simulator.ExecutionMode {
	mode, _ := simulator.ParseMode(c.Mode)
	return mode
}

// BlockRef 返回分叉区块
func (c *Config) BlockRef() simulator.BlockRef {
	b, _ := simulator.ParseBlock(c.Block)
	return b
}

// SearchParams 解析搜索参数
func (c *Config) SearchParams() (search.Config, error) {
	var out search.Config
	var err error
	if out.Seed, err = simulator.ParseAmount(c.Search.Seed); err != nil {
		return out, fmt.Errorf("search.seed: %w", err)
	}
	if out.Ceiling, err = simulator.ParseAmount(c.Search.Ceiling); err != nil {
		return out, fmt.Errorf("search.ceiling: %w", err)
	}
	if out.Sentinel, err = simulator.ParseAmount(c.Search.Sentinel); err != nil {
		return out, fmt.Errorf("search.sentinel: %w", err)
	}
	return out, out.Validate()
}

// DiscoveryOptions 构造发现参数
func (c *Config) DiscoveryOptions(logger log.Logger) (discovery.Options, error) {
	params, err := c.SearchParams()
	if err != nil {
		return discovery.Options{}, err
	}
	registry, err := checkers.ByName(c.Discovery.Checkers)
	if err != nil {
		return discovery.Options{}, err
	}
	return discovery.Options{
		MaxIterations:  c.Discovery.MaxIterations,
		Search:         params,
		Registry:       registry,
		PruneRedundant: c.Discovery.PruneRedundant,
		Logger:         logger,
	}, nil
}

// ============ 批量请求文件 ============

// Request 批量文件中的一条交易
type Request struct {
	Name  string `yaml:"name"`
	From  string `yaml:"from"`
	To    string `yaml:"to"`
	Data  string `yaml:"data"`
	Value string `yaml:"value"`
	Gas   uint64 `yaml:"gas"`
	Block string `yaml:"block"` // 空表示使用配置的区块
}

type requestsFile struct {
	Requests []Request `yaml:"requests"`
}

// LoadRequests 加载批量请求文件
func LoadRequests(path string, defaultBlock simulator.BlockRef) ([]discovery.Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read requests %s: %w", path, err)
	}
	return ParseRequests(data, defaultBlock)
}

// ParseRequests 解析批量请求
func ParseRequests(data []byte, defaultBlock simulator.BlockRef) ([]discovery.Item, error) {
	var file requestsFile
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return nil, fmt.Errorf("parse requests: %w", err)
	}
	if len(file.Requests) == 0 {
		return nil, fmt.Errorf("requests file contains no requests")
	}
	items := make([]discovery.Item, 0, len(file.Requests))
	for i, r := range file.Requests {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("request-%d", i)
		}
		tx, err := r.TxSpec()
		if err != nil {
			return nil, fmt.Errorf("request %s: %w", name, err)
		}
		block := defaultBlock
		if r.Block != "" {
			if block, err = simulator.ParseBlock(r.Block); err != nil {
				return nil, fmt.Errorf("request %s: %w", name, err)
			}
		}
		items = append(items, discovery.Item{Name: name, Tx: tx, Block: block})
	}
	return items, nil
}

// TxSpec 把请求转换为交易描述
func (r Request) TxSpec() (simulator.TxSpec, error) {
	return BuildTx(r.From, r.To, r.Data, r.Value, r.Gas)
}

// BuildTx 由字符串参数构造交易描述，命令行与批量文件共用
func BuildTx(from, to, data, value string, gas uint64) (simulator.TxSpec, error) {
	var tx simulator.TxSpec
	if !common.IsHexAddress(from) {
		return tx, fmt.Errorf("%w: invalid sender %q", simulator.ErrMalformedTx, from)
	}
	if !common.IsHexAddress(to) {
		return tx, fmt.Errorf("%w: invalid recipient %q", simulator.ErrMalformedTx, to)
	}
	tx.From = common.HexToAddress(from)
	tx.To = common.HexToAddress(to)
	if data != "" {
		input, err := hexutil.Decode(data)
		if err != nil {
			return tx, fmt.Errorf("%w: call data: %v", simulator.ErrMalformedTx, err)
		}
		tx.Data = input
	}
	if value != "" {
		v, err := simulator.ParseAmount(value)
		if err != nil {
			return tx, fmt.Errorf("%w: value: %v", simulator.ErrMalformedTx, err)
		}
		tx.Value = v
	}
	tx.Gas = gas
	return tx, tx.Validate()
}
