// Command qtxlog - обслуживание журнала восстановления остановленного координатора: просмотр незавершенных
// транзакций, контрольная точка и административное завершение транзакции.
//
//	qtxlog [-store file|bolt] [-path dir] [-config qtxlog.yaml] pending|checkpoint|forget <tx-id>
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	qtx "github.com/qbixus/qtx-tm"
	"github.com/qbixus/qtx-tm/internal/logging"
	"github.com/qbixus/qtx-tm/recoverylog"
)

type config struct {
	Log logging.Config `yaml:"log"`
}

func main() {
	store := flag.String("store", "file", "recovery log store: file or bolt")
	path := flag.String("path", "rlog", "recovery log directory (file) or database file (bolt)")
	configPath := flag.String("config", "", "YAML config with the log section")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: qtxlog [flags] pending|checkpoint|forget <tx-id>\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := logging.New(cfg.Log, "qtxlog")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	if err := run(context.Background(), logger, os.Stdout, *store, *path, flag.Args()); err != nil {
		logger.Error("qtxlog failed", zap.Error(err))
		os.Exit(1)
	}
}

func loadConfig(path string) (config, error) {
	cfg := config{Log: logging.Config{Level: "warn", Format: "console"}}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func openLog(logger *zap.Logger, store, path string) (qtx.RecoveryLog, error) {
	switch store {
	case "file":
		return recoverylog.OpenFile(path, recoverylog.WithLogger(logger))
	case "bolt":
		return recoverylog.OpenBolt(path)
	}
	return nil, fmt.Errorf("unknown store %q", store)
}

func run(ctx context.Context, logger *zap.Logger, out io.Writer, store, path string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("command is required")
	}
	rlog, err := openLog(logger, store, path)
	if err != nil {
		return err
	}
	defer rlog.Close()

	switch args[0] {
	case "pending":
		return printPending(ctx, rlog, out)
	case "checkpoint":
		if err := rlog.Checkpoint(ctx); err != nil {
			return err
		}
		logger.Info("checkpoint completed", zap.String("path", path))
		return nil
	case "forget":
		if len(args) != 2 {
			return fmt.Errorf("forget requires a transaction id")
		}
		return forget(ctx, rlog, args[1])
	}
	return fmt.Errorf("unknown command %q", args[0])
}

func printPending(ctx context.Context, rlog qtx.RecoveryLog, out io.Writer) error {
	recs, err := rlog.Pending(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		resources := make([]string, 0, len(rec.Participants))
		for _, p := range rec.Participants {
			r := p.ResourceID + "@" + p.BranchID
			if p.LastAgent {
				r += "(last-agent)"
			}
			resources = append(resources, r)
		}
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\n",
			rec.TxID, rec.Outcome, rec.Timestamp.UTC().Format(time.RFC3339), strings.Join(resources, ","))
	}
	return nil
}

func forget(ctx context.Context, rlog qtx.RecoveryLog, txID string) error {
	recs, err := rlog.Pending(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.TxID == txID {
			return rlog.Append(ctx, &recoverylog.Record{
				TxID:      txID,
				Outcome:   recoverylog.OutcomeCompleted,
				Timestamp: time.Now(),
			})
		}
	}
	return fmt.Errorf("transaction %s is not pending", txID)
}
