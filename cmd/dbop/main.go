// dbop runs SQL script files against a configured database and describes
// tables.
//
//	dbop -config dbop.yaml -file schema.sql -delimiter ';' -var db=shop
//	dbop -config dbop.yaml -describe users
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/MacLaurinGroup/dbop"
	"github.com/MacLaurinGroup/dbop/sqlfile"
)

// vars collects repeated -var key=value flags.
type vars map[string]any

func (v vars) String() string { return fmt.Sprint(map[string]any(v)) }

func (v vars) Set(s string) error {
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	v[key] = value
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "dbop: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("dbop", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath = fs.String("config", "dbop.yaml", "configuration file")
		file       = fs.String("file", "", "SQL script to run")
		delimiter  = fs.String("delimiter", "", `statement delimiter: "per-line", "" or a suffix such as ";"`)
		describe   = fs.String("describe", "", "table to describe")
		verbose    = fs.Bool("v", false, "log every statement")
		tmplVars   = vars{}
	)
	fs.Var(tmplVars, "var", "template variable key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" && *describe == "" {
		fs.Usage()
		return fmt.Errorf("one of -file or -describe is required")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := dbop.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	client, err := dbop.Open(cfg, dbop.WithLogger(logger))
	if err != nil {
		return err
	}
	defer client.Close()

	if *describe != "" {
		t, err := client.Catalog().Describe(ctx, client.Driver(), *describe)
		if err != nil {
			return err
		}
		for _, c := range t.Columns {
			fmt.Fprintf(stdout, "%-24s %-20s null=%-5t key=%-3s auto=%t\n",
				c.Name, c.RawType, c.Nullable, c.KeyType, c.AutoGenerated)
		}
	}

	if *file != "" {
		runner := sqlfile.New(client.Driver(),
			sqlfile.WithDelimiter(*delimiter),
			sqlfile.WithVars(tmplVars),
			sqlfile.WithLogger(logger),
		)
		n, err := runner.Run(ctx, *file)
		if err != nil {
			return err
		}
		logger.InfoContext(ctx, "script done", "file", *file, "statements", n)
	}
	if stats := client.QueryStats(); stats != nil {
		logger.InfoContext(ctx, "stats", "summary", stats.Stats().String())
	}
	return nil
}
