package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Lllllllleong/expenseledger/internal/mirror"
	"github.com/Lllllllleong/expenseledger/internal/models"
	"github.com/Lllllllleong/expenseledger/internal/retry"
	"github.com/Lllllllleong/expenseledger/internal/services"
	"github.com/Lllllllleong/expenseledger/internal/sheet"
)

// reconcile-offline reconciles a spreadsheet export against the MySQL
// mirror. DB_* settings come from the environment or a .env file.
//
// Example:
//
//	go run ./cmd/reconcile-offline -xlsx=invoices.xlsx -sheet=Invoices
//	go run ./cmd/reconcile-offline -xlsx=invoices.xlsx -dry-run=false -confirm=APPLY
func main() {
	xlsxPath := flag.String("xlsx", "", "Required: path to the spreadsheet export (.xlsx)")
	sheetName := flag.String("sheet", "", "Sheet name (default: first sheet)")
	envFile := flag.String("env", ".env", "Env file to load before reading DB_* settings")
	dryRun := flag.Bool("dry-run", true, "Plan and report only (no writes)")
	rebuild := flag.Bool("rebuild", false, "Replace the whole mirror with the export")
	confirm := flag.String("confirm", "", "Type APPLY to proceed when dry-run=false")
	migrate := flag.Bool("migrate", false, "Create or update the invoices table first")
	workers := flag.Int("workers", 8, "Concurrent mirror writes")
	flag.Parse()

	slog.SetDefault(newLogger(os.Stderr))

	// Refuse to touch the mirror unless the operator asked for it twice.
	if strings.TrimSpace(*xlsxPath) == "" {
		fmt.Fprintln(os.Stderr, "--xlsx is required")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "APPLY" {
		fmt.Fprintln(os.Stderr, "set --confirm=APPLY to proceed")
		os.Exit(1)
	}

	// A missing .env is fine; the shell environment may already carry DB_*.
	services.LoadDotenv(*envFile)
	dbConfig := services.MirrorConfigFromEnv()
	if dbConfig.Name == "" {
		fmt.Fprintln(os.Stderr, "DB_NAME is required")
		os.Exit(1)
	}

	ctx := context.Background()
	grid, err := sheet.OpenXLSX(*xlsxPath, *sheetName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open export: %v\n", err)
		os.Exit(1)
	}
	defer grid.Close()

	store, err := mirror.Open(ctx, dbConfig, retry.Policy{MaxAttempts: 5, InitialInterval: time.Second, MaxInterval: 30 * time.Second})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect mirror: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if *migrate {
		if err := store.Migrate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			os.Exit(1)
		}
	}

	// No lock service offline: the reconciler falls back to a process-local lock.
	reconciler := services.NewReconcilerWith(services.ReconcilerDeps{
		Sheet:  sheet.New(grid),
		Mirror: store,
	}, services.CommonConfig{Workers: *workers, CallTimeout: 15 * time.Second, QuietWindow: 5 * time.Minute})

	res, err := reconciler.Process(ctx, &models.ReconcileRequest{DryRun: *dryRun, Rebuild: *rebuild})
	if res != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
		os.Exit(1)
	}
}

// newLogger writes JSON lines. The text handler renders error values with
// %+v, which dumps a full stack for every wrapped error.
func newLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, nil))
}
