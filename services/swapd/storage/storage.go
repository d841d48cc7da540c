package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"satsbridge/services/swapd/models"
)

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("swapd storage path must be configured")
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("storage: record not found")
	// ErrDuplicate is returned when an insert collides with a unique index.
	ErrDuplicate = errors.New("storage: duplicate record")
	// ErrStaleTransition is returned when a guarded update finds the row in a
	// different state or version than the caller observed.
	ErrStaleTransition = errors.New("storage: swap changed concurrently")
)

// Config selects the database backend.
type Config struct {
	Driver string
	Path   string
	DSN    string
}

// Store wraps the swapd persistence layer.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open connects to the configured backend and applies migrations.
func Open(cfg Config, opts ...Option) (*Store, error) {
	var dialector gorm.Dialector
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite":
		dsn := strings.TrimSpace(cfg.DSN)
		if dsn == "" {
			var err error
			dsn, err = FileDSN(cfg.Path)
			if err != nil {
				return nil, err
			}
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, fmt.Errorf("postgres dsn required")
		}
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver != "postgres" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("database handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db, opts...)
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle required")
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	store := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// DB exposes the underlying gorm handle.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// CreateSwap inserts a new swap row. Collisions on the idempotency, tracker or
// operation indexes return ErrDuplicate.
func (s *Store) CreateSwap(ctx context.Context, swap *models.Swap) error {
	if swap == nil {
		return fmt.Errorf("swap required")
	}
	now := s.now()
	if swap.ID == uuid.Nil {
		swap.ID = uuid.New()
	}
	if swap.State == "" {
		swap.State = models.StatePending
	}
	swap.Version = 1
	swap.CreatedAt = now
	swap.UpdatedAt = now
	swap.StateChangedAt = now
	if err := s.db.WithContext(ctx).Create(swap).Error; err != nil {
		return translate(err)
	}
	return nil
}

// GetSwap loads a swap by id.
func (s *Store) GetSwap(ctx context.Context, id uuid.UUID) (models.Swap, error) {
	return s.first(ctx, "id = ?", id)
}

// FindByTracker loads the swap owning a fiat provider tracker.
func (s *Store) FindByTracker(ctx context.Context, tracker string) (models.Swap, error) {
	tracker = strings.TrimSpace(tracker)
	if tracker == "" {
		return models.Swap{}, ErrNotFound
	}
	return s.first(ctx, "external_tracker = ?", tracker)
}

// FindByOperationID loads the swap owning a settlement backend operation.
func (s *Store) FindByOperationID(ctx context.Context, operationID string) (models.Swap, error) {
	operationID = strings.TrimSpace(operationID)
	if operationID == "" {
		return models.Swap{}, ErrNotFound
	}
	return s.first(ctx, "lightning_operation_id = ?", operationID)
}

// FindByIdempotencyKey loads the swap created for an idempotency key.
func (s *Store) FindByIdempotencyKey(ctx context.Context, owner, operation, key string) (models.Swap, error) {
	return s.first(ctx, "owner = ? AND operation_type = ? AND idempotency_key = ?", owner, operation, key)
}

func (s *Store) first(ctx context.Context, query string, args ...any) (models.Swap, error) {
	var swap models.Swap
	if err := s.db.WithContext(ctx).Where(query, args...).First(&swap).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Swap{}, ErrNotFound
		}
		return models.Swap{}, fmt.Errorf("load swap: %w", err)
	}
	return swap, nil
}

// Filter narrows ListSwaps.
type Filter struct {
	State     models.State
	Direction models.Direction
	Owner     string
	Limit     int
	Offset    int
}

// ListSwaps returns swaps ordered from newest to oldest.
func (s *Store) ListSwaps(ctx context.Context, filter Filter) ([]models.Swap, error) {
	q := s.db.WithContext(ctx).Model(&models.Swap{})
	if filter.State != "" {
		q = q.Where("state = ?", filter.State)
	}
	if filter.Direction != "" {
		q = q.Where("direction = ?", filter.Direction)
	}
	if owner := strings.TrimSpace(filter.Owner); owner != "" {
		q = q.Where("owner = ?", owner)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var swaps []models.Swap
	if err := q.Order("created_at DESC").Limit(limit).Offset(filter.Offset).Find(&swaps).Error; err != nil {
		return nil, fmt.Errorf("list swaps: %w", err)
	}
	return swaps, nil
}

// StaleProcessing returns processing swaps whose timeout elapsed before now.
func (s *Store) StaleProcessing(ctx context.Context, now time.Time, limit int) ([]models.Swap, error) {
	var swaps []models.Swap
	err := s.db.WithContext(ctx).
		Where("state = ? AND timeout_at IS NOT NULL AND timeout_at <= ?", models.StateProcessing, now.UTC()).
		Order("timeout_at ASC").
		Limit(batch(limit)).
		Find(&swaps).Error
	if err != nil {
		return nil, fmt.Errorf("query stale swaps: %w", err)
	}
	return swaps, nil
}

// PendingRetries returns pending swaps that already failed at least once.
func (s *Store) PendingRetries(ctx context.Context, limit int) ([]models.Swap, error) {
	var swaps []models.Swap
	err := s.db.WithContext(ctx).
		Where("state = ? AND retry_count > 0", models.StatePending).
		Order("updated_at ASC").
		Limit(batch(limit)).
		Find(&swaps).Error
	if err != nil {
		return nil, fmt.Errorf("query pending retries: %w", err)
	}
	return swaps, nil
}

func batch(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

// Change describes a guarded update of one swap row. The update only applies
// when the row is still in From at Version.
type Change struct {
	From    models.State
	Version int64
	To      models.State
	Reason  string
	Actor   string
	Apply   func(*models.Swap)
}

// Transition applies change atomically and records an audit row when the
// state moves. It is the only writer of swap state.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, change Change) (models.Swap, error) {
	var next models.Swap
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Swap
		if err := tx.First(&current, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("load swap: %w", err)
		}
		if current.State != change.From || current.Version != change.Version {
			return ErrStaleTransition
		}
		now := s.now()
		next = current
		if change.Apply != nil {
			change.Apply(&next)
		}
		next.ID = current.ID
		next.State = change.To
		next.Version = current.Version + 1
		next.UpdatedAt = now
		if change.To != change.From {
			next.StateChangedAt = now
		}
		res := tx.Model(&models.Swap{}).
			Where("id = ? AND state = ? AND version = ?", id, change.From, change.Version).
			Updates(map[string]any{
				"state":                  next.State,
				"version":                next.Version,
				"external_tracker":       next.ExternalTracker,
				"lightning_operation_id": next.LightningOperationID,
				"lightning_invoice":      next.LightningInvoice,
				"lightning_settled_at":   next.LightningSettledAt,
				"retry_count":            next.RetryCount,
				"failure_reason":         next.FailureReason,
				"refundable":             next.Refundable,
				"timeout_at":             next.TimeoutAt,
				"state_changed_at":       next.StateChangedAt,
				"updated_at":             next.UpdatedAt,
			})
		if res.Error != nil {
			return translate(res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrStaleTransition
		}
		if change.To == change.From {
			return nil
		}
		audit := models.SwapTransition{
			SwapID:    id,
			FromState: change.From,
			ToState:   change.To,
			Reason:    change.Reason,
			Actor:     change.Actor,
			Version:   next.Version,
			CreatedAt: now,
		}
		if err := tx.Create(&audit).Error; err != nil {
			return fmt.Errorf("record transition: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Swap{}, err
	}
	return next, nil
}

// ListTransitions returns the audit trail for a swap in order.
func (s *Store) ListTransitions(ctx context.Context, swapID uuid.UUID) ([]models.SwapTransition, error) {
	var rows []models.SwapTransition
	if err := s.db.WithContext(ctx).Where("swap_id = ?", swapID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	return rows, nil
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505")
}
