package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"assetsim/pkg/discovery"
)

// writeResult 按参数输出单个结果：终端表格或JSON，可同时写入文件
func writeResult(c *cli.Context, res *discovery.Result) error {
	if path := c.Path(outputFlag.Name); path != "" {
		data, err := res.JSON()
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	if c.Bool(jsonFlag.Name) {
		data, err := res.JSON()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(c.App.Writer, string(data))
		return err
	}
	renderResult(c.App.Writer, res)
	return nil
}

// batchEntry 批量JSON报告中的一项
type batchEntry struct {
	Name   string            `json:"name"`
	Report *discovery.Report `json:"report,omitempty"`
	Error  string            `json:"error,omitempty"`
}

func batchReport(results []discovery.ItemResult) []batchEntry {
	out := make([]batchEntry, 0, len(results))
	for _, r := range results {
		entry := batchEntry{Name: r.Name}
		if r.Result != nil {
			rep := r.Result.Report()
			entry.Report = &rep
		}
		if r.Err != nil {
			entry.Error = r.Err.Error()
		}
		out = append(out, entry)
	}
	return out
}

// writeBatch 输出批量结果
func writeBatch(c *cli.Context, results []discovery.ItemResult) error {
	if path := c.Path(outputFlag.Name); path != "" || c.Bool(jsonFlag.Name) {
		data, err := json.MarshalIndent(batchReport(results), "", "  ")
		if err != nil {
			return fmt.Errorf("marshal batch report: %w", err)
		}
		if path != "" {
			if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
		}
		if c.Bool(jsonFlag.Name) {
			_, err = fmt.Fprintln(c.App.Writer, string(data))
			return err
		}
	}
	for _, r := range results {
		fmt.Fprintf(c.App.Writer, "\n=== %s ===\n", r.Name)
		if r.Err != nil {
			color.New(color.FgRed).Fprintf(c.App.Writer, "error: %v\n", r.Err)
		}
		if r.Result != nil {
			renderResult(c.App.Writer, r.Result)
		}
	}
	return nil
}

// renderResult 输出彩色状态行与需求表格
func renderResult(w io.Writer, res *discovery.Result) {
	statusColor(res.Status).Fprintf(w, "%s\n", res)
	fmt.Fprintf(w, "iterations: %d  simulations: %d\n", res.Iterations, res.Simulations)
	if len(res.Requirements) == 0 {
		fmt.Fprintln(w, "no asset requirements")
		return
	}
	renderTable(w, res.Report().Requirements)
}

func renderTable(w io.Writer, reqs []discovery.RequirementReport) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Kind", "Account", "Asset", "Spender", "Minimum", "Current", "Missing"})
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, r := range reqs {
		spender := ""
		if r.Spender != nil {
			spender = r.Spender.Hex()
		}
		if r.Authority != nil {
			spender += " via " + r.Authority.Hex()
		}
		table.Append([]string{
			r.Kind.String(),
			r.Account.Hex(),
			r.Asset,
			spender,
			r.MinimumAmount,
			r.Current,
			r.Missing,
		})
	}
	table.Render()
}

func statusColor(s discovery.Status) *color.Color {
	switch s {
	case discovery.StatusSucceeded:
		return color.New(color.FgGreen, color.Bold)
	case discovery.StatusCancelled, discovery.StatusDidNotConverge:
		return color.New(color.FgYellow, color.Bold)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}
