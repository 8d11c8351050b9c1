// nicshelld is the network command-shell daemon.
//
// It answers TCP-carried command sessions on a hand-driven NIC data
// path, with an operator console, an HTTP management API, and
// Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/nicshell/nicshell/pkg/daemon"
)

func main() {
	configFile := flag.String("config", "", "configuration file path (empty = defaults)")
	noConsole := flag.Bool("no-console", false, "disable the interactive console")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// Provisional logging until the configuration is loaded.
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	d := daemon.New(daemon.Options{
		ConfigFile: *configFile,
		NoConsole:  *noConsole,
		Debug:      *debug,
	})

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "nicshelld: %v\n", err)
		os.Exit(1)
	}
}