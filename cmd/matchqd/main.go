package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lherron/matchq/internal/cli"
)

func main() {
	addr := flag.String("addr", os.Getenv("MATCHQD_ADDR"), "Listen address (default 127.0.0.1:7317)")
	unixPath := flag.String("unix", os.Getenv("MATCHQD_UNIX"), "Listen on unix socket path")
	token := flag.String("token", os.Getenv("MATCHQD_TOKEN"), "Shared token for local auth")
	dbPath := flag.String("db", "", "Database path override (defaults to config)")
	root := flag.String("root", "", "Project root override (defaults to config)")
	migrate := flag.Bool("migrate", false, "Apply pending database migrations before serving")
	flag.Parse()

	opts := cli.DaemonOptions{
		Addr:    *addr,
		Unix:    *unixPath,
		Token:   *token,
		DBPath:  *dbPath,
		Root:    *root,
		Migrate: *migrate,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cli.ServeDaemon(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
