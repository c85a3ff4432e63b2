// Package main implements udscrawl, the command line front end that runs a
// configured sensor and administers its event warehouse table.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "udscrawl"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("udscrawl failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cli := &cliFlags{}
	root := &cobra.Command{
		Use:           appName,
		Short:         "Sensor data crawler",
		Long:          "udscrawl fetches sensor data, packs it into M2M envelopes, drops duplicates and stores the rest.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cli.register(root)

	root.AddCommand(
		newRunCmd(cli),
		newValidateCmd(cli),
		newCreateTableCmd(cli),
		newReplayCmd(cli),
		newVersionCmd(),
	)
	return root
}
