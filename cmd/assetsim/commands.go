package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"assetsim/pkg/config"
	"assetsim/pkg/simulator"
)

// ============ discover ============

var (
	fromFlag = &cli.StringFlag{
		Name:     "from",
		Usage:    "sender address",
		Required: true,
	}
	toFlag = &cli.StringFlag{
		Name:     "to",
		Usage:    "recipient contract address",
		Required: true,
	}
	dataFlag = &cli.StringFlag{
		Name:  "data",
		Usage: "hex call data",
	}
	valueFlag = &cli.StringFlag{
		Name:  "value",
		Usage: "native value in wei (decimal or 0x-hex)",
	}
	gasFlag = &cli.Uint64Flag{
		Name:  "gas",
		Usage: "gas limit (0 uses the default)",
	}
)

var discoverCommand = &cli.Command{
	Name:        "discover",
	Usage:       "Discover the asset requirements of a call",
	Description: "Runs the simulate/diagnose/search loop for a single call on the fork block.",
	Flags:       []cli.Flag{fromFlag, toFlag, dataFlag, valueFlag, gasFlag},
	Action:      Discover,
}

// Discover discover 命令
func Discover(c *cli.Context) error {
	tx, err := config.BuildTx(c.String(fromFlag.Name), c.String(toFlag.Name),
		c.String(dataFlag.Name), c.String(valueFlag.Name), c.Uint64(gasFlag.Name))
	if err != nil {
		return err
	}
	s, err := newSession(c)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.discover(c.Context, c, tx, s.cfg.BlockRef())
}

// ============ replay ============

var txHashFlag = &cli.StringFlag{
	Name:     "tx",
	Usage:    "hash of a mined transaction",
	Required: true,
}

var replayCommand = &cli.Command{
	Name:        "replay",
	Usage:       "Discover the asset requirements of a mined transaction",
	Description: "Fetches the transaction, recovers its sender and runs discovery at the parent block.",
	Flags:       []cli.Flag{txHashFlag},
	Action:      Replay,
}

// Replay replay 命令
func Replay(c *cli.Context) error {
	raw := c.String(txHashFlag.Name)
	hash := common.HexToHash(raw)
	if hash == (common.Hash{}) {
		return fmt.Errorf("invalid transaction hash %q", raw)
	}
	s, err := newSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	src, err := s.txSource()
	if err != nil {
		return err
	}
	tx, block, err := simulator.FetchTx(c.Context, src, hash)
	if err != nil {
		return err
	}
	s.log.Info("[Session] replaying", "tx", hash, "from", tx.From, "to", tx.To, "block", block)
	return s.discover(c.Context, c, tx, block)
}

// ============ batch ============

var fileFlag = &cli.PathFlag{
	Name:     "file",
	Aliases:  []string{"f"},
	Usage:    "YAML file with the requests to discover",
	Required: true,
}

var batchCommand = &cli.Command{
	Name:        "batch",
	Usage:       "Discover the asset requirements of many independent calls",
	Description: "Runs independent discoveries concurrently; each run has its own override accumulator.",
	Flags:       []cli.Flag{fileFlag},
	Action:      Batch,
}

// Batch batch 命令
func Batch(c *cli.Context) error {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	items, err := config.LoadRequests(c.Path(fileFlag.Name), s.cfg.BlockRef())
	if err != nil {
		return err
	}
	s.log.Info("[Session] batch", "requests", len(items), "workers", s.cfg.Batch.Workers)
	results := s.engine.DiscoverAll(c.Context, items, s.cfg.Batch.Workers)
	if err := writeBatch(c, results); err != nil {
		return err
	}
	if c.Context.Err() != nil {
		return c.Context.Err()
	}
	for _, r := range results {
		if r.Err != nil || !r.Result.Succeeded() {
			return cli.Exit("", 2)
		}
	}
	return nil
}
