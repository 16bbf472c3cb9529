/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite" // Pure Go SQLite driver (no CGO required)
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/crabwatch/crabd/internal/errs"
)

// GormStore implements Store using GORM over sqlite/postgres/mysql.
type GormStore struct {
	db      *gorm.DB
	dialect string
	blobs   BlobStore // optional secondary output store
}

// ConnectionPoolConfig holds connection pool settings for non-SQLite dialects.
type ConnectionPoolConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewGormStore creates a new GORM-based store.
func NewGormStore(dialect string, dsn string) (*GormStore, error) {
	return NewGormStoreWithPool(dialect, dsn, ConnectionPoolConfig{})
}

// NewGormStoreWithPool creates a new GORM-based store with connection pool settings.
func NewGormStoreWithPool(dialect string, dsn string, pool ConnectionPoolConfig) (*GormStore, error) {
	var dialector gorm.Dialector
	switch dialect {
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
		dialect = "sqlite"
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, errs.NewConfigError(fmt.Sprintf("unsupported store dialect %q", dialect), nil)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errs.NewStoreError("open", err)
	}

	if dialect != "sqlite" && (pool.MaxIdleConns > 0 || pool.MaxOpenConns > 0 || pool.ConnMaxLifetime > 0 || pool.ConnMaxIdleTime > 0) {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errs.NewStoreError("get sql.DB for pool config", err)
		}
		if pool.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
		}
		if pool.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
		}
		if pool.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
		}
		if pool.ConnMaxIdleTime > 0 {
			sqlDB.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
		}
	}

	return &GormStore{db: db, dialect: dialect}, nil
}

// SetBlobStore attaches the optional output store for large payload routing.
func (s *GormStore) SetBlobStore(b BlobStore) {
	s.blobs = b
}

// Init creates tables via auto-migration.
func (s *GormStore) Init() error {
	return s.db.AutoMigrate(&Registration{}, &Event{}, &NotifyRule{}, &Alert{})
}

// Close releases the underlying connection.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health pings the database.
func (s *GormStore) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// EnsureJob implements invariant 4 (at most one non-retired registration per
// (host, crabid) or (host, command)) with supersession: re-registering the
// same crabid under a different command retires the previous registration
// and creates a new one with the new command.
func (s *GormStore) EnsureJob(ctx context.Context, host, crabID, command string) (int64, error) {
	if host == "" {
		return 0, fmt.Errorf("ensure_job: host is required")
	}
	if command == "" {
		return 0, fmt.Errorf("ensure_job: command is required")
	}

	var jobRef int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		var existing Registration
		var lookupErr error
		if crabID != "" {
			lookupErr = tx.Where("host = ? AND crab_id = ? AND retired = ?", host, crabID, false).
				First(&existing).Error
		} else {
			lookupErr = tx.Where("host = ? AND crab_id = ? AND command = ? AND retired = ?", host, "", command, false).
				First(&existing).Error
		}

		switch {
		case errors.Is(lookupErr, gorm.ErrRecordNotFound):
			reg := Registration{
				Host:      host,
				CrabID:    crabID,
				Command:   command,
				FirstSeen: now,
				LastSeen:  now,
			}
			if err := tx.Create(&reg).Error; err != nil {
				return err
			}
			jobRef = reg.ID
			return nil

		case lookupErr != nil:
			return lookupErr
		}

		// Found a non-retired registration for this business key.
		if crabID != "" && existing.Command != command {
			// Supersession: crabid re-registered with a new command.
			if err := tx.Model(&existing).Updates(map[string]any{
				"retired":          true,
				"superseded_by_id": nil,
			}).Error; err != nil {
				return err
			}
			reg := Registration{
				Host:      host,
				CrabID:    crabID,
				Command:   command,
				FirstSeen: now,
				LastSeen:  now,
			}
			if err := tx.Create(&reg).Error; err != nil {
				return err
			}
			if err := tx.Model(&existing).Update("superseded_by_id", reg.ID).Error; err != nil {
				return err
			}
			jobRef = reg.ID
			return nil
		}

		// Idempotent re-registration: just bump last_seen.
		if err := tx.Model(&existing).Update("last_seen", now).Error; err != nil {
			return err
		}
		jobRef = existing.ID
		return nil
	})

	return jobRef, err
}

// AppendEvent appends a single event, routing any payload to the optional
// output store when configured.
func (s *GormStore) AppendEvent(ctx context.Context, jobRef int64, kind EventKind, ts time.Time, payload *EventPayload) (int64, error) {
	ev := Event{
		JobRef:    jobRef,
		Timestamp: ts.UTC(),
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}

	if payload != nil {
		ev.StatusCode = payload.StatusCode
		if s.blobs != nil && (payload.Stdout != "" || payload.Stderr != "") {
			ref := fmt.Sprintf("%d-%d-%d", jobRef, ts.UnixNano(), kind[0])
			if err := s.blobs.Put(ctx, ref, payload.Stdout, payload.Stderr); err != nil {
				return 0, fmt.Errorf("append_event: routing payload to output store: %w", err)
			}
			ev.OutputRef = ref
		} else {
			if payload.Stdout != "" {
				ev.Stdout = &payload.Stdout
			}
			if payload.Stderr != "" {
				ev.Stderr = &payload.Stderr
			}
		}
	}

	if err := s.db.WithContext(ctx).Create(&ev).Error; err != nil {
		return 0, err
	}
	return ev.ID, nil
}

func (s *GormStore) LogStart(ctx context.Context, jobRef int64, ts time.Time) (int64, error) {
	return s.AppendEvent(ctx, jobRef, EventStart, ts, nil)
}

func (s *GormStore) LogFinish(ctx context.Context, jobRef int64, ts time.Time, statusCode int, stdout, stderr string) (int64, error) {
	sc := statusCode
	return s.AppendEvent(ctx, jobRef, EventFinish, ts, &EventPayload{StatusCode: &sc, Stdout: stdout, Stderr: stderr})
}

func (s *GormStore) LogWarning(ctx context.Context, jobRef int64, ts time.Time, message string) (int64, error) {
	return s.AppendEvent(ctx, jobRef, EventWarn, ts, &EventPayload{Stdout: message})
}

// MaterializeMissed appends a MISSED event keyed on the expected fire
// instant; idempotent per (jobRef, fireKey) via a lookup-or-insert inside
// one transaction (there is no unique index on fire_key).
func (s *GormStore) MaterializeMissed(ctx context.Context, jobRef int64, fire time.Time) (int64, bool, error) {
	return s.materializeSynthetic(ctx, jobRef, EventMissed, fire.UTC(), fireKeyFor(fire))
}

// MaterializeTimeout appends a TIMEOUT event keyed on the START event id it
// supersedes; idempotent per (jobRef, startEventID).
func (s *GormStore) MaterializeTimeout(ctx context.Context, jobRef int64, startEventID int64, ts time.Time) (int64, bool, error) {
	return s.materializeSynthetic(ctx, jobRef, EventTimeout, ts, fmt.Sprintf("start:%d", startEventID))
}

func (s *GormStore) materializeSynthetic(ctx context.Context, jobRef int64, kind EventKind, ts time.Time, fireKey string) (int64, bool, error) {
	var created bool
	var id int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Event
		err := tx.Where("job_ref = ? AND kind = ? AND fire_key = ?", jobRef, kind, fireKey).First(&existing).Error
		if err == nil {
			id = existing.ID
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		ev := Event{
			JobRef:    jobRef,
			Timestamp: ts,
			Kind:      kind,
			FireKey:   fireKey,
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ev).Error; err != nil {
			return err
		}
		if ev.ID == 0 {
			// Lost a race with a concurrent tick; re-read the winner.
			if err := tx.Where("job_ref = ? AND kind = ? AND fire_key = ?", jobRef, kind, fireKey).First(&existing).Error; err != nil {
				return err
			}
			id = existing.ID
			return nil
		}
		id = ev.ID
		created = true
		return nil
	})

	return id, created, err
}

func fireKeyFor(fire time.Time) string {
	return fmt.Sprintf("fire:%d", fire.UTC().Unix())
}

func (s *GormStore) GetJobs(ctx context.Context, includeRetired bool) ([]Registration, error) {
	var regs []Registration
	db := s.db.WithContext(ctx)
	if !includeRetired {
		db = db.Where("retired = ?", false)
	}
	err := db.Order("host, crab_id, command").Find(&regs).Error
	return regs, err
}

func (s *GormStore) GetJob(ctx context.Context, jobRef int64) (*Registration, error) {
	var reg Registration
	err := s.db.WithContext(ctx).First(&reg, jobRef).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

// FindJob resolves the business key (host, crabid-or-command) to its
// current non-retired registration, per §4.6: missing crabid falls back to
// command-matching, and empty/null crabid are treated as identical.
func (s *GormStore) FindJob(ctx context.Context, host, crabID, command string) (*Registration, error) {
	var reg Registration
	var err error
	if crabID != "" {
		err = s.db.WithContext(ctx).Where("host = ? AND crab_id = ? AND retired = ?", host, crabID, false).First(&reg).Error
	} else {
		err = s.db.WithContext(ctx).Where("host = ? AND crab_id = ? AND command = ? AND retired = ?", host, "", command, false).First(&reg).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

func (s *GormStore) GetEvents(ctx context.Context, jobRef int64, since *time.Time, limit int) ([]Event, error) {
	var events []Event
	db := s.db.WithContext(ctx).Where("job_ref = ?", jobRef)
	if since != nil {
		db = db.Where("timestamp >= ?", *since)
	}
	db = db.Order("id ASC")
	if limit > 0 {
		db = db.Limit(limit)
	}
	err := db.Find(&events).Error
	if err != nil {
		return nil, err
	}
	if s.blobs != nil {
		for i := range events {
			if events[i].OutputRef == "" {
				continue
			}
			stdout, stderr, err := s.blobs.Get(ctx, events[i].OutputRef)
			if err != nil {
				continue
			}
			events[i].Stdout = &stdout
			events[i].Stderr = &stderr
		}
	}
	return events, nil
}

func (s *GormStore) SetSchedule(ctx context.Context, jobRef int64, spec, timezone string, grace, timeout int) error {
	return s.db.WithContext(ctx).Model(&Registration{}).Where("id = ?", jobRef).Updates(map[string]any{
		"schedule":       spec,
		"timezone":       timezone,
		"grace_period":   grace,
		"timeout":        timeout,
		"misconfigured":  "",
	}).Error
}

func (s *GormStore) SetMisconfigured(ctx context.Context, jobRef int64, reason string) error {
	return s.db.WithContext(ctx).Model(&Registration{}).Where("id = ?", jobRef).Update("misconfigured", reason).Error
}

func (s *GormStore) RetireJob(ctx context.Context, jobRef int64) error {
	return s.db.WithContext(ctx).Model(&Registration{}).Where("id = ?", jobRef).Update("retired", true).Error
}

func (s *GormStore) SetInhibit(ctx context.Context, jobRef int64, inhibit bool) error {
	return s.db.WithContext(ctx).Model(&Registration{}).Where("id = ?", jobRef).Update("inhibited", inhibit).Error
}

func (s *GormStore) GetNotifications(ctx context.Context) ([]NotifyRule, error) {
	var rules []NotifyRule
	err := s.db.WithContext(ctx).Order("id").Find(&rules).Error
	return rules, err
}

// SetNotifications replaces the full notification rule set transactionally.
func (s *GormStore) SetNotifications(ctx context.Context, rules []NotifyRule) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&NotifyRule{}).Error; err != nil {
			return err
		}
		if len(rules) == 0 {
			return nil
		}
		for i := range rules {
			rules[i].ID = 0
		}
		return tx.Create(&rules).Error
	})
}

func (s *GormStore) RecordAlert(ctx context.Context, ruleRef, jobRef, eventRef int64, state, result string, success bool) (int64, error) {
	alert := Alert{
		RuleRef:         ruleRef,
		JobRef:          jobRef,
		EventRef:        eventRef,
		DispatchedAt:    time.Now().UTC(),
		TransportResult: result,
		Success:         success,
		State:           state,
	}
	if err := s.db.WithContext(ctx).Create(&alert).Error; err != nil {
		return 0, err
	}
	return alert.ID, nil
}

func (s *GormStore) LastAlert(ctx context.Context, ruleRef, jobRef int64) (*Alert, error) {
	var alert Alert
	err := s.db.WithContext(ctx).
		Where("rule_ref = ? AND job_ref = ?", ruleRef, jobRef).
		Order("dispatched_at DESC").
		First(&alert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// Prune removes events older than the cutoff, but never an event still
// referenced by an alert that has not yet recorded a successful dispatch.
func (s *GormStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub := tx.Model(&Alert{}).Select("event_ref").Where("success = ?", false)
		result := tx.Where("timestamp < ? AND id NOT IN (?)", olderThan, sub).Delete(&Event{})
		if result.Error != nil {
			return result.Error
		}
		total = result.RowsAffected
		return nil
	})
	return total, err
}
