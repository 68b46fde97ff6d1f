package main

import (
	"strings"

	"github.com/urfave/cli/v2"

	"assetsim/pkg/config"
)

// ============ 全局参数（覆盖配置文件） ============

var (
	configFlag = &cli.PathFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "YAML configuration file",
		EnvVars: []string{"ASSETSIM_CONFIG"},
	}
	rpcFlag = &cli.StringFlag{
		Name:    "rpc",
		Usage:   "JSON-RPC endpoint of the forked chain",
		EnvVars: []string{"ASSETSIM_RPC"},
	}
	modeFlag = &cli.StringFlag{
		Name:  "mode",
		Usage: "execution mode: local (in-process EVM) or rpc (debug_traceCall)",
	}
	blockFlag = &cli.StringFlag{
		Name:  "block",
		Usage: "fork block: latest or a block number",
	}
	prestateFlag = &cli.PathFlag{
		Name:  "prestate",
		Usage: "prestate/alloc JSON that seeds the local fork",
	}
	maxIterationsFlag = &cli.IntFlag{
		Name:  "max-iterations",
		Usage: "maximum simulate/diagnose/search iterations",
	}
	pruneFlag = &cli.BoolFlag{
		Name:  "prune",
		Usage: "drop requirements whose removal still succeeds",
	}
	checkersFlag = &cli.StringSliceFlag{
		Name:  "checkers",
		Usage: "enabled checkers in priority order",
	}
	seedFlag = &cli.StringFlag{
		Name:  "seed",
		Usage: "first amount probed by the doubling search",
	}
	ceilingFlag = &cli.StringFlag{
		Name:  "ceiling",
		Usage: "largest amount probed before a requirement is unsatisfiable",
	}
	sentinelFlag = &cli.StringFlag{
		Name:  "sentinel",
		Usage: "amount given to the other candidate while isolating a requirement pair",
	}
	cacheSizeFlag = &cli.IntFlag{
		Name:  "cache-size",
		Usage: "fork read and slot location cache entries",
	}
	workersFlag = &cli.IntFlag{
		Name:  "workers",
		Usage: "concurrent discoveries in batch mode",
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log.level",
		Usage: "log level: trace, debug, info, warn, error, crit",
	}
	logFormatFlag = &cli.StringFlag{
		Name:  "log.format",
		Usage: "log format: terminal, logfmt or json",
	}
	jsonFlag = &cli.BoolFlag{
		Name:  "json",
		Usage: "print the JSON report instead of a table",
	}
	outputFlag = &cli.PathFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Usage:   "write the JSON report to a file",
	}
)

var globalFlags = []cli.Flag{
	configFlag,
	rpcFlag,
	modeFlag,
	blockFlag,
	prestateFlag,
	maxIterationsFlag,
	pruneFlag,
	checkersFlag,
	seedFlag,
	ceilingFlag,
	sentinelFlag,
	cacheSizeFlag,
	workersFlag,
	logLevelFlag,
	logFormatFlag,
	jsonFlag,
	outputFlag,
}

// loadConfig 加载配置文件并应用命令行覆盖，最后整体校验
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.Path(configFlag.Name); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	applyFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet(rpcFlag.Name) {
		cfg.RPCURL = c.String(rpcFlag.Name)
	}
	if c.IsSet(modeFlag.Name) {
		cfg.Mode = c.String(modeFlag.Name)
	}
	if c.IsSet(blockFlag.Name) {
		cfg.Block = c.String(blockFlag.Name)
	}
	if c.IsSet(prestateFlag.Name) {
		cfg.Prestate = c.Path(prestateFlag.Name)
	}
	if c.IsSet(maxIterationsFlag.Name) {
		cfg.Discovery.MaxIterations = c.Int(maxIterationsFlag.Name)
	}
	if c.IsSet(pruneFlag.Name) {
		cfg.Discovery.PruneRedundant = c.Bool(pruneFlag.Name)
	}
	if c.IsSet(checkersFlag.Name) {
		var names []string
		for _, v := range c.StringSlice(checkersFlag.Name) {
			for _, name := range strings.Split(v, ",") {
				if name = strings.TrimSpace(name); name != "" {
					names = append(names, name)
				}
			}
		}
		cfg.Discovery.Checkers = names
	}
	if c.IsSet(seedFlag.Name) {
		cfg.Search.Seed = c.String(seedFlag.Name)
	}
	if c.IsSet(ceilingFlag.Name) {
		cfg.Search.Ceiling = c.String(ceilingFlag.Name)
	}
	if c.IsSet(sentinelFlag.Name) {
		cfg.Search.Sentinel = c.String(sentinelFlag.Name)
	}
	if c.IsSet(cacheSizeFlag.Name) {
		cfg.Cache.Size = c.Int(cacheSizeFlag.Name)
	}
	if c.IsSet(workersFlag.Name) {
		cfg.Batch.Workers = c.Int(workersFlag.Name)
	}
	if c.IsSet(logLevelFlag.Name) {
		cfg.Log.Level = c.String(logLevelFlag.Name)
	}
	if c.IsSet(logFormatFlag.Name) {
		cfg.Log.Format = c.String(logFormatFlag.Name)
	}
}
