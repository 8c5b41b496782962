/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package store persists played-track history for operator-facing
// playback diagnostics. Writes are best-effort: a failed or slow
// insert never blocks the track boundary that triggered it.
package store

import (
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/grimnircore/radio/internal/telemetry"
)

// Source names which prepared-set path produced a PlayedRecord.
type Source string

const (
	SourceQueue    Source = "queue"
	SourceRandom   Source = "random"
	SourceFallback Source = "fallback"
)

// PlayedRecord is one completed (or in-flight) track's play history.
type PlayedRecord struct {
	ID           uint `gorm:"primaryKey"`
	QueueEntryID int64
	Path         string
	Source       Source `gorm:"type:varchar(16)"`
	StartedAt    time.Time
	EndedAt      *time.Time
}

// Store writes PlayedRecord rows best-effort against a gorm backend.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// New wraps db for played-track history persistence.
func New(db *gorm.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, logger: logger.With().Str("component", "store.Store").Logger()}
}

// Migrate ensures the PlayedRecord table exists.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&PlayedRecord{})
}

// RecordStart inserts a new in-flight PlayedRecord and returns its ID for a
// later RecordEnd call. A failure here is logged, counted, and otherwise
// swallowed: history is a diagnostic aid, not part of the playout critical
// path.
func (s *Store) RecordStart(queueEntryID int64, path string, source Source) uint {
	record := PlayedRecord{
		QueueEntryID: queueEntryID,
		Path:         path,
		Source:       source,
		StartedAt:    time.Now(),
	}
	if err := s.db.Create(&record).Error; err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("failed to record play history start")
		telemetry.DatabaseErrorsTotal.WithLabelValues("create", "play_history").Inc()
		return 0
	}
	return record.ID
}

// RecordEnd marks a previously started record as finished. A zero id (from
// a failed RecordStart) is silently ignored.
func (s *Store) RecordEnd(id uint) {
	if id == 0 {
		return
	}
	now := time.Now()
	if err := s.db.Model(&PlayedRecord{}).Where("id = ?", id).Update("ended_at", now).Error; err != nil {
		s.logger.Warn().Err(err).Uint("id", id).Msg("failed to record play history end")
		telemetry.DatabaseErrorsTotal.WithLabelValues("update", "play_history").Inc()
	}
}

// Recent returns the most recently started records, newest first.
func (s *Store) Recent(limit int) ([]PlayedRecord, error) {
	var records []PlayedRecord
	if err := s.db.Order("started_at desc").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
