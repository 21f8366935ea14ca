package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/PetoAdam/homenavi/telemetry-service/internal/telemetry"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const DefaultHistoryCap = 1000

var ErrStorage = errors.New("storage error")

type Repo struct {
	db         *gorm.DB
	historyCap int
	cache      *StatusCache

	// writeMu makes insert+evict exclusive and keeps the cache in commit order.
	writeMu sync.Mutex

	// stale holds devices whose cache entry may predate the last commit
	// because neither the write nor the delete reached redis.
	staleMu sync.Mutex
	stale   map[string]struct{}
}

type Option func(*Repo)

func WithHistoryCap(n int) Option {
	return func(r *Repo) {
		if n > 0 {
			r.historyCap = n
		}
	}
}

// WithStatusCache puts a write-through cache in front of GetLatest.
func WithStatusCache(c *StatusCache) Option {
	return func(r *Repo) { r.cache = c }
}

func gormConfig() *gorm.Config {
	return &gorm.Config{Logger: logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             2 * time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)}
}

// OpenSQLite opens a local database file. DSNs starting with "file:" are
// passed through untouched, which is how tests get in-memory databases.
func OpenSQLite(path string) (*gorm.DB, error) {
	dsn := strings.TrimSpace(path)
	if dsn == "" {
		dsn = "bike_data.db"
	}
	db, err := gorm.Open(sqlite.Open(sqliteDSN(dsn)), gormConfig())
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; a single connection avoids SQLITE_BUSY churn.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// sqliteDSN appends the busy timeout and WAL pragmas, keeping any query
// parameters the caller already supplied.
func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_busy_timeout=5000&_journal_mode=WAL"
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	return gorm.Open(postgres.Open(dsn), gormConfig())
}

func New(db *gorm.DB, opts ...Option) (*Repo, error) {
	if err := db.AutoMigrate(&LatestStatus{}, &HistoryEntry{}); err != nil {
		return nil, err
	}
	r := &Repo{db: db, historyCap: DefaultHistoryCap, stale: make(map[string]struct{})}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Repo) HistoryCap() int { return r.historyCap }

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// UpsertLatest replaces the device's latest row.
func (r *Repo) UpsertLatest(ctx context.Context, deviceID string, speed float64, ts time.Time) error {
	row := &LatestStatus{DeviceID: deviceID, Speed: speed, Timestamp: ts.UTC()}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := upsertLatest(r.db.WithContext(ctx), row); err != nil {
		return storageErr("upsert latest", err)
	}
	r.cacheLatest(ctx, *row)
	return nil
}

// AppendHistory inserts a history row and evicts the oldest rows beyond the cap.
func (r *Repo) AppendHistory(ctx context.Context, deviceID string, speed float64, ts time.Time) error {
	row := &HistoryEntry{DeviceID: deviceID, Speed: speed, Timestamp: ts.UTC()}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return r.appendHistory(tx, row)
	})
	if err != nil {
		return storageErr("append history", err)
	}
	return nil
}

// Record writes both views of a reading in one transaction.
func (r *Repo) Record(ctx context.Context, rd telemetry.Reading) error {
	latest := &LatestStatus{DeviceID: rd.DeviceID, Speed: rd.Speed, Timestamp: rd.Time.UTC()}
	hist := &HistoryEntry{DeviceID: rd.DeviceID, Speed: rd.Speed, Timestamp: rd.Time.UTC()}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertLatest(tx, latest); err != nil {
			return err
		}
		return r.appendHistory(tx, hist)
	})
	if err != nil {
		return storageErr("record reading", err)
	}
	r.cacheLatest(ctx, *latest)
	return nil
}

func upsertLatest(tx *gorm.DB, row *LatestStatus) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"speed", "timestamp"}),
	}).Create(row).Error
}

func (r *Repo) appendHistory(tx *gorm.DB, row *HistoryEntry) error {
	if err := tx.Create(row).Error; err != nil {
		return err
	}
	// The id at offset cap (newest first) is the newest row that must go.
	var cutoff []int64
	if err := tx.Model(&HistoryEntry{}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: true}).
		Offset(r.historyCap).
		Limit(1).
		Pluck("id", &cutoff).Error; err != nil {
		return err
	}
	if len(cutoff) == 0 {
		return nil
	}
	res := tx.Where(clause.Lte{Column: clause.Column{Name: "id"}, Value: cutoff[0]}).Delete(&HistoryEntry{})
	if res.Error != nil {
		return res.Error
	}
	slog.Debug("history evicted", "rows", res.RowsAffected, "cutoff_id", cutoff[0])
	return nil
}

// cacheLatest runs under writeMu after a commit. If the new row cannot be
// cached the old entry is dropped, and if that fails too the device is served
// from the database until the cache can be repaired.
func (r *Repo) cacheLatest(ctx context.Context, st LatestStatus) {
	if r.cache == nil {
		return
	}
	err := r.cache.Set(ctx, st)
	if err == nil {
		r.setStale(st.DeviceID, false)
		return
	}
	slog.Warn("status cache write failed", "device_id", st.DeviceID, "error", err)
	if err := r.cache.Delete(ctx, st.DeviceID); err != nil {
		slog.Warn("status cache invalidate failed", "device_id", st.DeviceID, "error", err)
		r.setStale(st.DeviceID, true)
		return
	}
	r.setStale(st.DeviceID, false)
}

func (r *Repo) setStale(deviceID string, stale bool) {
	r.staleMu.Lock()
	defer r.staleMu.Unlock()
	if stale {
		r.stale[deviceID] = struct{}{}
	} else {
		delete(r.stale, deviceID)
	}
}

func (r *Repo) isStale(deviceID string) bool {
	r.staleMu.Lock()
	defer r.staleMu.Unlock()
	_, ok := r.stale[deviceID]
	return ok
}

// GetLatest returns the device's latest row; ok is false for unknown devices.
func (r *Repo) GetLatest(ctx context.Context, deviceID string) (LatestStatus, bool, error) {
	if r.cache != nil {
		if r.isStale(deviceID) {
			return r.refreshLatest(ctx, deviceID)
		}
		st, ok, err := r.cache.Get(ctx, deviceID)
		switch {
		case err != nil:
			slog.Warn("status cache read failed", "device_id", deviceID, "error", err)
		case ok:
			return st, true, nil
		}
	}
	return r.loadLatest(ctx, deviceID)
}

// refreshLatest reads the committed row and rewrites the cache. Holding
// writeMu keeps a concurrent write from being overwritten with older data.
func (r *Repo) refreshLatest(ctx context.Context, deviceID string) (LatestStatus, bool, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	st, ok, err := r.loadLatest(ctx, deviceID)
	if err != nil || !ok {
		return st, ok, err
	}
	r.cacheLatest(ctx, st)
	return st, true, nil
}

func (r *Repo) loadLatest(ctx context.Context, deviceID string) (LatestStatus, bool, error) {
	var st LatestStatus
	err := r.db.WithContext(ctx).
		Where(clause.Eq{Column: clause.Column{Name: "device_id"}, Value: deviceID}).
		First(&st).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return LatestStatus{}, false, nil
		}
		return LatestStatus{}, false, storageErr("get latest", err)
	}
	return st, true, nil
}

// ListHistory returns up to limit entries, newest first. An empty deviceID
// lists across all devices.
func (r *Repo) ListHistory(ctx context.Context, deviceID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > r.historyCap {
		limit = r.historyCap
	}
	q := r.db.WithContext(ctx).Model(&HistoryEntry{})
	if deviceID != "" {
		q = q.Where(clause.Eq{Column: clause.Column{Name: "device_id"}, Value: deviceID})
	}
	var rows []HistoryEntry
	err := q.Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: true}).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, storageErr("list history", err)
	}
	return rows, nil
}

func (r *Repo) CountHistory(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&HistoryEntry{}).Count(&n).Error; err != nil {
		return 0, storageErr("count history", err)
	}
	return n, nil
}
