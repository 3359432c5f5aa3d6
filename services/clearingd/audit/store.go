package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/publu/spacecommand/core/events"
)

const (
	defaultLimit = 100
	maxLimit     = 1_000
)

// accountKeys lists, in priority order, the attributes naming the account
// that triggered an event.
var accountKeys = []string{"caller", "depositor", "buyer", "from", "to"}

// Store persists engine events to a SQL database and answers queries over
// them. It implements events.Emitter.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time

	mu      sync.Mutex
	nextSeq uint64
}

// Open connects to the configured driver ("sqlite" or "postgres") and
// migrates the schema.
func Open(driver, dsn string, logger *slog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("audit: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	return New(db, logger)
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("audit: database required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	var last struct{ Max uint64 }
	if err := db.Model(&Entry{}).Select("COALESCE(MAX(seq), 0) AS max").Scan(&last).Error; err != nil {
		return nil, fmt.Errorf("audit: load sequence: %w", err)
	}
	return &Store{db: db, logger: logger, nowFn: time.Now, nextSeq: last.Max + 1}, nil
}

// SetNowFunc overrides the clock used to stamp entries.
func (s *Store) SetNowFunc(now func() time.Time) {
	if now != nil {
		s.nowFn = now
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Emit implements events.Emitter. Failures are logged; the engine has
// already committed by the time events are emitted.
func (s *Store) Emit(evt events.Event) {
	if _, err := s.Append(context.Background(), evt); err != nil {
		s.logger.Error("audit append failed",
			slog.String("event", evt.EventType()),
			slog.Any("error", err))
	}
}

// Append stores evt and returns the persisted entry.
func (s *Store) Append(ctx context.Context, evt events.Event) (*Entry, error) {
	if evt == nil {
		return nil, errors.New("audit: nil event")
	}
	rec := events.Payload(evt)
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return nil, fmt.Errorf("audit: encode attributes: %w", err)
	}
	entry := &Entry{
		ID:         uuid.New(),
		Type:       rec.Type,
		Vault:      rec.Attributes["vault"],
		Account:    accountOf(rec),
		Attributes: string(attrs),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Seq = s.nextSeq
	entry.CreatedAt = s.nowFn().UTC()
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, fmt.Errorf("audit: insert: %w", err)
	}
	s.nextSeq++
	return entry, nil
}

func accountOf(rec events.Record) string {
	for _, key := range accountKeys {
		if v := rec.Attributes[key]; v != "" {
			return v
		}
	}
	return ""
}

// Filter narrows a query. Zero values match everything.
type Filter struct {
	Type     string
	Vault    string
	Account  string
	Since    time.Time
	Until    time.Time
	AfterSeq uint64
	Limit    int
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultLimit
	case f.Limit > maxLimit:
		return maxLimit
	default:
		return f.Limit
	}
}

// Query returns matching entries in commit order.
func (s *Store) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	q := s.db.WithContext(ctx).Model(&Entry{})
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.Vault != "" {
		q = q.Where("LOWER(vault) = ?", strings.ToLower(filter.Vault))
	}
	if filter.Account != "" {
		q = q.Where("LOWER(account) = ?", strings.ToLower(filter.Account))
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at >= ?", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		q = q.Where("created_at < ?", filter.Until.UTC())
	}
	if filter.AfterSeq > 0 {
		q = q.Where("seq > ?", filter.AfterSeq)
	}
	var out []Entry
	if err := q.Order("seq ASC").Limit(filter.limit()).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	return out, nil
}

// Record decodes the stored attributes back into an event record.
func (e Entry) Record() (events.Record, error) {
	rec := events.Record{Type: e.Type, Attributes: map[string]string{}}
	if e.Attributes == "" {
		return rec, nil
	}
	if err := json.Unmarshal([]byte(e.Attributes), &rec.Attributes); err != nil {
		return rec, fmt.Errorf("audit: decode attributes: %w", err)
	}
	return rec, nil
}

// MarshalJSON renders the entry with its attributes inlined as an object.
func (e Entry) MarshalJSON() ([]byte, error) {
	type plain Entry
	attrs := json.RawMessage(e.Attributes)
	if len(attrs) == 0 {
		attrs = json.RawMessage("{}")
	}
	return json.Marshal(struct {
		plain
		Attributes json.RawMessage `json:"attributes"`
	}{plain: plain(e), Attributes: attrs})
}
