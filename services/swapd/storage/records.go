package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"satsbridge/services/swapd/models"
)

// SaveQuote persists an issued quote.
func (s *Store) SaveQuote(ctx context.Context, quote *models.QuoteRecord) error {
	if quote == nil {
		return fmt.Errorf("quote required")
	}
	if quote.CreatedAt.IsZero() {
		quote.CreatedAt = s.now()
	}
	if err := s.db.WithContext(ctx).Create(quote).Error; err != nil {
		return translate(err)
	}
	return nil
}

// GetQuote loads a persisted quote.
func (s *Store) GetQuote(ctx context.Context, id uuid.UUID) (models.QuoteRecord, error) {
	var quote models.QuoteRecord
	if err := s.db.WithContext(ctx).First(&quote, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.QuoteRecord{}, ErrNotFound
		}
		return models.QuoteRecord{}, fmt.Errorf("load quote: %w", err)
	}
	return quote, nil
}

// RecordRateSnapshot stores an aggregated median rate.
func (s *Store) RecordRateSnapshot(ctx context.Context, snapshot models.RateSnapshot) error {
	snapshot.Pair = strings.ToUpper(strings.TrimSpace(snapshot.Pair))
	if snapshot.Pair == "" {
		return fmt.Errorf("snapshot pair required")
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = s.now()
	}
	if err := s.db.WithContext(ctx).Create(&snapshot).Error; err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LatestRateSnapshot returns the most recent aggregated median for the pair.
func (s *Store) LatestRateSnapshot(ctx context.Context, pair string) (models.RateSnapshot, error) {
	var snapshot models.RateSnapshot
	err := s.db.WithContext(ctx).
		Where("pair = ?", strings.ToUpper(strings.TrimSpace(pair))).
		Order("observed_at DESC, id DESC").
		First(&snapshot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.RateSnapshot{}, ErrNotFound
		}
		return models.RateSnapshot{}, fmt.Errorf("query snapshot: %w", err)
	}
	return snapshot, nil
}

// CreateReservation inserts a held reservation.
func (s *Store) CreateReservation(ctx context.Context, res *models.Reservation) error {
	if res == nil {
		return fmt.Errorf("reservation required")
	}
	now := s.now()
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	res.Status = models.ReservationHeld
	res.CreatedAt = now
	res.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(res).Error; err != nil {
		return translate(err)
	}
	return nil
}

// GetReservation loads a reservation by id.
func (s *Store) GetReservation(ctx context.Context, id uuid.UUID) (models.Reservation, error) {
	var res models.Reservation
	if err := s.db.WithContext(ctx).First(&res, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Reservation{}, ErrNotFound
		}
		return models.Reservation{}, fmt.Errorf("load reservation: %w", err)
	}
	return res, nil
}

// SetReservationStatus moves a reservation out of HELD. A reservation that is
// no longer held returns ErrStaleTransition.
func (s *Store) SetReservationStatus(ctx context.Context, id uuid.UUID, status models.ReservationStatus, swapID *uuid.UUID) error {
	updates := map[string]any{"status": status, "updated_at": s.now()}
	if swapID != nil {
		updates["swap_id"] = *swapID
	}
	res := s.db.WithContext(ctx).Model(&models.Reservation{}).
		Where("id = ? AND status = ?", id, models.ReservationHeld).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update reservation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

// ReleaseSwapReservations releases the confirmed reservations funding swapID
// and returns how many were released.
func (s *Store) ReleaseSwapReservations(ctx context.Context, swapID uuid.UUID) (int, error) {
	res := s.db.WithContext(ctx).Model(&models.Reservation{}).
		Where("swap_id = ? AND status = ?", swapID, models.ReservationConfirmed).
		Updates(map[string]any{"status": models.ReservationReleased, "updated_at": s.now()})
	if res.Error != nil {
		return 0, fmt.Errorf("release swap reservations: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}
