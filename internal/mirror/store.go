package mirror

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Lllllllleong/expenseledger/internal/errs"
	"github.com/Lllllllleong/expenseledger/internal/models"
	"github.com/Lllllllleong/expenseledger/internal/reconcile"
	"github.com/Lllllllleong/expenseledger/internal/retry"
)

// invoiceRow is the persisted shape of an invoice. GeneratedInvoiceID is
// nullable so that the unique index admits any number of unassigned rows.
type invoiceRow struct {
	ID                 int64           `gorm:"primaryKey;autoIncrement"`
	Identity           string          `gorm:"size:255;index"`
	Vendor             string          `gorm:"size:255"`
	Amount             decimal.Decimal `gorm:"type:decimal(20,4);default:0"`
	Currency           string          `gorm:"size:8"`
	ProjectCode        string          `gorm:"size:64;index"`
	Status             string          `gorm:"size:32;index"`
	GeneratedInvoiceID *string         `gorm:"size:64;uniqueIndex"`
	PrimaryFileLink    string          `gorm:"type:text"`
	ArchivedFileLink   string          `gorm:"type:text"`
	SourceObjectKey    string          `gorm:"size:512"`
	ContentHash        string          `gorm:"size:128;index"`
	InvoiceDate        string          `gorm:"size:32"`
	Category           string          `gorm:"size:128"`
	Description        string          `gorm:"type:text"`
	UpdatedAt          time.Time       `gorm:"index"`
}

func (invoiceRow) TableName() string {
	return "invoices"
}

func toRow(r *models.InvoiceRecord) *invoiceRow {
	row := &invoiceRow{
		ID:               r.StoreID,
		Identity:         r.Identity,
		Vendor:           r.Vendor,
		Amount:           r.Amount,
		Currency:         r.Currency,
		ProjectCode:      r.ProjectCode,
		Status:           string(r.Status),
		PrimaryFileLink:  r.PrimaryFileLink,
		ArchivedFileLink: r.ArchivedFileLink,
		SourceObjectKey:  r.SourceObjectKey,
		ContentHash:      r.ContentHash,
		InvoiceDate:      r.InvoiceDate,
		Category:         r.Category,
		Description:      r.Description,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.GeneratedInvoiceID != "" {
		id := r.GeneratedInvoiceID
		row.GeneratedInvoiceID = &id
	}
	return row
}

func (row *invoiceRow) toRecord() *models.InvoiceRecord {
	r := &models.InvoiceRecord{
		StoreID:          row.ID,
		Identity:         reconcile.NormalizeIdentity(row.Identity),
		Vendor:           row.Vendor,
		Amount:           row.Amount,
		Currency:         row.Currency,
		ProjectCode:      row.ProjectCode,
		Status:           models.ParseStatus(row.Status),
		PrimaryFileLink:  row.PrimaryFileLink,
		ArchivedFileLink: row.ArchivedFileLink,
		SourceObjectKey:  row.SourceObjectKey,
		ContentHash:      row.ContentHash,
		InvoiceDate:      row.InvoiceDate,
		Category:         row.Category,
		Description:      row.Description,
		UpdatedAt:        row.UpdatedAt,
	}
	if r.Identity == "" {
		r.Identity = reconcile.IdentityFromLink(row.PrimaryFileLink)
	}
	if row.GeneratedInvoiceID != nil {
		r.GeneratedInvoiceID = *row.GeneratedInvoiceID
	}
	return r
}

// Config holds connection settings for the MySQL mirror.
type Config struct {
	User            string
	Password        string
	Host            string
	Port            string
	Name            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN renders the driver connection string. A host of the form
// /cloudsql/<instance> connects over the Cloud SQL unix socket.
func (c Config) DSN() string {
	network, address := "tcp", c.Host+":"+c.Port
	if strings.HasPrefix(c.Host, "/cloudsql/") {
		network, address = "unix", c.Host
	}
	return fmt.Sprintf("%s:%s@%s(%s)/%s?parseTime=true&loc=UTC", c.User, c.Password, network, address, c.Name)
}

// Store is the relational mirror of the invoice spreadsheet.
type Store struct {
	db *gorm.DB
}

// Open connects to MySQL, retrying while the server is unreachable.
func Open(ctx context.Context, cfg Config, policy retry.Policy) (*Store, error) {
	var db *gorm.DB
	err := retry.Do(ctx, policy, "connect mirror", func(ctx context.Context) error {
		var err error
		db, err = gorm.Open(mysql.Open(cfg.DSN()), gormConfig())
		if err != nil {
			return errs.Mark(err, errs.ErrTransient)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mirror database: %w", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}
	slog.Info("Connected to mirror database.", "host", cfg.Host, "database", cfg.Name)
	return &Store{db: db}, nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.New(log.New(os.Stdout, "\r\n", log.LstdFlags), logger.Config{
			LogLevel:      logger.Error,
			SlowThreshold: time.Second,
		}),
		TranslateError:         true,
		SkipDefaultTransaction: true,
	}
}

// Migrate creates or updates the invoices table.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&invoiceRow{})
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) List(ctx context.Context) ([]*models.InvoiceRecord, error) {
	var rows []invoiceRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, classify(err, "list invoices")
	}
	out := make([]*models.InvoiceRecord, len(rows))
	for i := range rows {
		out[i] = rows[i].toRecord()
	}
	return out, nil
}

func (s *Store) Insert(ctx context.Context, r *models.InvoiceRecord) (int64, error) {
	row := toRow(r)
	row.ID = 0
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return 0, classify(err, "insert invoice %s", r.Label())
	}
	return row.ID, nil
}

// Update applies a targeted change by id. Only status, generated id and the
// timestamp are ever written.
func (s *Store) Update(ctx context.Context, u reconcile.Update) error {
	fields := map[string]any{"updated_at": u.UpdatedAt}
	if u.Status != models.StatusUnknown {
		fields["status"] = string(u.Status)
	}
	if u.GeneratedInvoiceID != "" {
		fields["generated_invoice_id"] = u.GeneratedInvoiceID
	}
	return s.updateByID(ctx, u.ID, fields)
}

// SetArchivedLink records where the original was archived.
func (s *Store) SetArchivedLink(ctx context.Context, id int64, link string) error {
	return s.updateByID(ctx, id, map[string]any{"archived_file_link": link, "updated_at": time.Now().UTC()})
}

func (s *Store) updateByID(ctx context.Context, id int64, fields map[string]any) error {
	res := s.db.WithContext(ctx).Model(&invoiceRow{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return classify(res.Error, "update invoice %d", id)
	}
	if res.RowsAffected == 0 {
		return s.missingOrUnchanged(ctx, id)
	}
	return nil
}

// MySQL reports zero affected rows when values are unchanged, so a zero
// count is only a miss if the row is really gone.
func (s *Store) missingOrUnchanged(ctx context.Context, id int64) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&invoiceRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return classify(err, "count invoice %d", id)
	}
	if n == 0 {
		return errs.Newf(errs.ErrNotFound, "invoice %d", id)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&invoiceRow{})
	if res.Error != nil {
		return classify(res.Error, "delete invoice %d", id)
	}
	if res.RowsAffected == 0 {
		return errs.Newf(errs.ErrNotFound, "invoice %d", id)
	}
	return nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&invoiceRow{}).Count(&n).Error; err != nil {
		return 0, classify(err, "count invoices")
	}
	return n, nil
}

// FindByContentHash returns the first row with the given hash, or nil.
func (s *Store) FindByContentHash(ctx context.Context, hash string) (*models.InvoiceRecord, error) {
	if hash == "" {
		return nil, nil
	}
	var rows []invoiceRow
	if err := s.db.WithContext(ctx).Where("content_hash = ?", hash).Order("id").Limit(1).Find(&rows).Error; err != nil {
		return nil, classify(err, "find invoice by hash")
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].toRecord(), nil
}

// LastUpdatedAt returns the newest updated_at in the table, zero when empty.
func (s *Store) LastUpdatedAt(ctx context.Context) (time.Time, error) {
	var rows []invoiceRow
	if err := s.db.WithContext(ctx).Select("updated_at").Order("updated_at DESC").Limit(1).Find(&rows).Error; err != nil {
		return time.Time{}, classify(err, "read last update")
	}
	if len(rows) == 0 {
		return time.Time{}, nil
	}
	return rows[0].UpdatedAt, nil
}

// ReplaceAll swaps the whole table for records inside one transaction.
// Readers see either the old or the new contents.
func (s *Store) ReplaceAll(ctx context.Context, records []*models.InvoiceRecord) error {
	rows := make([]*invoiceRow, len(records))
	now := time.Now().UTC()
	for i, r := range records {
		rows[i] = toRow(r)
		rows[i].ID = 0
		if rows[i].UpdatedAt.IsZero() {
			rows[i].UpdatedAt = now
		}
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&invoiceRow{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 500).Error
	})
	if err != nil {
		return classify(err, "replace invoices")
	}
	return nil
}

func classify(err error, format string, args ...any) error {
	switch {
	case errs.IsDuplicateKey(err):
		return errs.Wrapf(err, errs.ErrDuplicateKey, format, args...)
	case errs.IsNotFound(err):
		return errs.Wrapf(err, errs.ErrNotFound, format, args...)
	case errs.IsTransient(err):
		return errs.Wrapf(err, errs.ErrTransient, format, args...)
	default:
		return fmt.Errorf("failed to "+format+": %w", append(args, err)...)
	}
}
