package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/fatih/color"

	"assetsim/pkg/config"
)

// Logger 按配置的格式与级别创建日志记录器
func Logger(w io.Writer, cfg config.LogConfig) (log.Logger, error) {
	lvl, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	h, err := handler(w, strings.ToLower(cfg.Format), lvl)
	if err != nil {
		return nil, err
	}
	return log.NewLogger(h), nil
}

func handler(w io.Writer, format string, lvl slog.Level) (slog.Handler, error) {
	switch format {
	case "", "terminal":
		return log.NewTerminalHandlerWithLevel(w, lvl, !color.NoColor), nil
	case "logfmt":
		return log.LogfmtHandlerWithLevel(w, lvl), nil
	case "json":
		return log.JSONHandlerWithLevel(w, lvl), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
