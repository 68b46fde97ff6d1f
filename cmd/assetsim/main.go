// assetsim 发现交易执行所需的资产前置条件（余额与授权）
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()
	app.Name = "assetsim"
	app.Usage = "discover the balances and allowances a transaction needs to succeed"
	app.Description = "Simulates a transaction against forked chain state, diagnoses asset-related " +
		"failures and searches the minimal balance/allowance overrides that make it succeed."
	app.Flags = globalFlags
	app.Commands = []*cli.Command{
		discoverCommand,
		replayCommand,
		batchCommand,
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			<-c
			cancel()
			fmt.Fprintln(os.Stderr, "\r\nExiting...")
		}
	}()

	if err := app.RunContext(ctx, os.Args); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "command interrupted")
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
