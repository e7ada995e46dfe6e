package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/Lllllllleong/expenseledger/internal/gcp"
	"github.com/Lllllllleong/expenseledger/internal/lock"
	"github.com/Lllllllleong/expenseledger/internal/mirror"
	"github.com/Lllllllleong/expenseledger/internal/models"
	"github.com/Lllllllleong/expenseledger/internal/reconcile"
	"github.com/Lllllllleong/expenseledger/internal/retry"
	"github.com/Lllllllleong/expenseledger/internal/sheet"
)

// RunLockName serializes every pass that mutates the mirror.
const RunLockName = "reconcile:run"

// Spreadsheet is the authoritative store as the services see it.
type Spreadsheet interface {
	Load(ctx context.Context) ([]*models.InvoiceRecord, error)
	WriteBack(ctx context.Context, updates []sheet.RowUpdate) error
	Append(ctx context.Context, r *models.InvoiceRecord) error
}

// MirrorStore is the relational mirror as the services see it.
type MirrorStore interface {
	reconcile.Mirror
	SetArchivedLink(ctx context.Context, id int64, link string) error
	FindByContentHash(ctx context.Context, hash string) (*models.InvoiceRecord, error)
	LastUpdatedAt(ctx context.Context) (time.Time, error)
	ReplaceAll(ctx context.Context, records []*models.InvoiceRecord) error
}

// ReportSaver persists run reports.
type ReportSaver interface {
	Save(ctx context.Context, report *models.RunReport) error
}

type discardReports struct{}

func (discardReports) Save(context.Context, *models.RunReport) error { return nil }

// CommonConfig is the environment shared by every function.
type CommonConfig struct {
	ProjectID         string
	SpreadsheetID     string
	SheetTab          string
	DocsBucket        string
	RedisAddr         string
	ReportCollection  string
	CounterCollection string
	Workers           int
	CallTimeout       time.Duration
	QuietWindow       time.Duration
	DB                mirror.Config
}

var dotenvOnce sync.Once

// LoadDotenv loads a local .env file once per process. A missing file is
// normal in deployed functions.
func LoadDotenv(filenames ...string) {
	dotenvOnce.Do(func() {
		_ = godotenv.Load(filenames...)
	})
}

// MirrorConfigFromEnv reads the DB_* connection settings.
func MirrorConfigFromEnv() mirror.Config {
	return mirror.Config{
		User:            gcp.GetEnv("DB_USER", ""),
		Password:        gcp.GetEnv("DB_PASSWORD", ""),
		Host:            gcp.GetEnv("DB_HOST", "127.0.0.1"),
		Port:            gcp.GetEnv("DB_PORT", "3306"),
		Name:            gcp.GetEnv("DB_NAME", ""),
		MaxOpenConns:    envInt("DB_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    envInt("DB_MAX_IDLE_CONNS", 10),
		ConnMaxLifetime: time.Duration(envInt("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second,
	}
}

func loadCommonConfig() (CommonConfig, error) {
	LoadDotenv()

	config := CommonConfig{
		ProjectID:         gcp.GetEnv("PROJECT_ID", ""),
		SpreadsheetID:     gcp.GetEnv("SPREADSHEET_ID", ""),
		SheetTab:          gcp.GetEnv("SHEET_TAB", "Invoices"),
		DocsBucket:        gcp.GetEnv("DOCS_BUCKET", ""),
		RedisAddr:         gcp.GetEnv("REDIS_ADDR", ""),
		ReportCollection:  gcp.GetEnv("REPORT_COLLECTION", "reconciliation_runs"),
		CounterCollection: gcp.GetEnv("COUNTER_COLLECTION", "invoice_sequences"),
		Workers:           envInt("WORKERS", 8),
		CallTimeout:       time.Duration(envInt("CALL_TIMEOUT_SECONDS", 15)) * time.Second,
		QuietWindow:       time.Duration(envInt("QUIET_WINDOW_SECONDS", 300)) * time.Second,
		DB:                MirrorConfigFromEnv(),
	}
	if config.ProjectID == "" {
		return config, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	if config.SpreadsheetID == "" {
		return config, fmt.Errorf("SPREADSHEET_ID environment variable must be set")
	}
	if config.DB.Name == "" {
		return config, fmt.Errorf("DB_NAME environment variable must be set")
	}
	return config, nil
}

func envInt(key string, fallback int) int {
	n, err := strconv.Atoi(gcp.GetEnv(key, ""))
	if err != nil {
		return fallback
	}
	return n
}

// clients are the connections every function opens at cold start.
type clients struct {
	sheet     *sheet.Sheet
	mirror    *mirror.Store
	firestore *firestore.Client
	redis     *redis.Client
	locker    lock.Locker
	reports   *gcp.ReportStore
}

func newClients(ctx context.Context, config CommonConfig) (*clients, error) {
	sheetsSvc, err := sheet.NewGoogleService(ctx)
	if err != nil {
		return nil, err
	}
	store, err := mirror.Open(ctx, config.DB, retry.Policy{MaxAttempts: 5, InitialInterval: time.Second, MaxInterval: 30 * time.Second})
	if err != nil {
		return nil, err
	}
	firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	c := &clients{
		sheet:     sheet.New(sheet.NewGoogleGrid(sheetsSvc, config.SpreadsheetID, config.SheetTab)),
		mirror:    store,
		firestore: firestoreClient,
		reports:   gcp.NewReportStore(firestoreClient, config.ReportCollection),
		locker:    lock.NewLocalLocker(),
	}
	if config.RedisAddr != "" {
		c.redis = redis.NewClient(&redis.Options{Addr: config.RedisAddr})
		if err := c.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to reach redis at %s: %w", config.RedisAddr, err)
		}
		c.locker = lock.NewRedisLocker(c.redis, 15*time.Minute)
	} else {
		slog.Warn("REDIS_ADDR not set. Run lock is process-local.")
	}
	return c, nil
}

func (c CommonConfig) executorConfig() reconcile.ExecutorConfig {
	cfg := reconcile.DefaultExecutorConfig
	if c.Workers > 0 {
		cfg.Workers = c.Workers
	}
	if c.CallTimeout > 0 {
		cfg.CallTimeout = c.CallTimeout
	}
	return cfg
}
