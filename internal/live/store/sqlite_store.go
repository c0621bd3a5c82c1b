// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fitsync/liveworkout/internal/live/lifecycle"
	"github.com/fitsync/liveworkout/internal/live/model"
	"github.com/fitsync/liveworkout/internal/log"
	"github.com/fitsync/liveworkout/internal/metrics"
	"github.com/fitsync/liveworkout/internal/persistence/sqlite"
)

const (
	schemaVersion = 1

	// codeRetries bounds invite code regeneration on collision.
	codeRetries = 5
)

// SqliteStore implements SessionStore and NotificationStore using SQLite.
type SqliteStore struct {
	DB     *sql.DB
	pub    ChangePublisher // optional; nil disables change publication
	logger zerolog.Logger
}

// NewSqliteStore initializes a new SQLite session store.
func NewSqliteStore(dbPath string, pub ChangePublisher) (*SqliteStore, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &SqliteStore{DB: db, pub: pub, logger: log.WithComponent("store")}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}

func (s *SqliteStore) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS live_sessions (
		session_id TEXT PRIMARY KEY,
		host_id TEXT NOT NULL,
		leader_id TEXT NOT NULL,
		participants_json TEXT NOT NULL,
		status TEXT NOT NULL,
		invite_code TEXT NOT NULL,
		routine_json TEXT,
		sync_mode TEXT,
		heartbeats_json TEXT,
		created_at_ms INTEGER NOT NULL,
		started_at_ms INTEGER,
		ended_at_ms INTEGER
	);

	-- Invite codes must be unique among non-terminal sessions only.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_live_sessions_invite
		ON live_sessions(invite_code)
		WHERE status IN ('pending', 'active');

	CREATE INDEX IF NOT EXISTS idx_live_sessions_status ON live_sessions(status);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		data_json TEXT,
		read INTEGER NOT NULL DEFAULT 0,
		created_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_unread
		ON notifications(user_id, created_at_ms) WHERE read = 0;
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Session CRUD ---

func (s *SqliteStore) CreateSession(ctx context.Context, p CreateParams) (*model.Session, error) {
	if p.HostID == "" {
		return nil, errors.New("host id required")
	}

	sess := &model.Session{
		SessionID:             uuid.NewString(),
		HostID:                p.HostID,
		LeaderID:              p.HostID,
		ParticipantIDs:        []string{p.HostID},
		Status:                model.StatusPending,
		RoutineData:           slices.Clone(p.RoutineData),
		SyncMode:              p.SyncMode,
		ParticipantHeartbeats: map[string]int64{},
		CreatedAt:             time.Now(),
	}

	for attempt := 0; attempt < codeRetries; attempt++ {
		sess.InviteCode = model.GenerateInviteCode()
		err := s.insertSession(ctx, sess)
		if err == nil {
			s.publish(ctx, sess)
			return sess.Clone(), nil
		}
		if !isUniqueViolation(err) {
			return nil, err
		}
		metrics.InviteCodeCollisionsTotal.Inc()
		s.logger.Warn().
			Str(log.FieldInviteCode, sess.InviteCode).
			Int("attempt", attempt+1).
			Msg("invite code collision, regenerating")
	}
	return nil, ErrExhausted
}

func (s *SqliteStore) insertSession(ctx context.Context, sess *model.Session) error {
	participantsJSON, _ := json.Marshal(sess.ParticipantIDs)
	routineJSON, _ := json.Marshal(sess.RoutineData)
	heartbeatsJSON, _ := json.Marshal(sess.ParticipantHeartbeats)

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO live_sessions (
			session_id, host_id, leader_id, participants_json, status,
			invite_code, routine_json, sync_mode, heartbeats_json,
			created_at_ms, started_at_ms, ended_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.HostID, sess.LeaderID, participantsJSON, sess.Status,
		sess.InviteCode, routineJSON, sess.SyncMode, heartbeatsJSON,
		sess.CreatedAt.UnixMilli(), timeToNullMs(sess.StartedAt), timeToNullMs(sess.EndedAt),
	)
	return err
}

// GetSession returns the row iff the caller passes the row-level read rule.
func (s *SqliteStore) GetSession(ctx context.Context, callerID, sessionID string) (*model.Session, error) {
	sess, err := s.getSessionRaw(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.CanView(callerID) {
		return nil, ErrForbidden
	}
	return sess, nil
}

func (s *SqliteStore) getSessionRaw(ctx context.Context, sessionID string) (*model.Session, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT * FROM live_sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	return sess, nil
}

// FindByInviteCode is the privileged lookup used for code redemption. It
// bypasses the row-level read rule and only returns non-terminal rows.
// Input is case-insensitive; storage is uppercase.
func (s *SqliteStore) FindByInviteCode(ctx context.Context, code string) (*model.Session, error) {
	code = model.NormalizeInviteCode(code)
	if !model.ValidInviteCode(code) {
		return nil, ErrNotFound
	}
	row := s.DB.QueryRowContext(ctx,
		`SELECT * FROM live_sessions WHERE invite_code = ? AND status IN ('pending', 'active')`,
		code)
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	return sess, nil
}

func (s *SqliteStore) UpdateStatus(ctx context.Context, callerID, sessionID string, status model.SessionStatus) (*model.Session, error) {
	return s.mutate(ctx, sessionID, func(sess *model.Session) error {
		if callerID != sess.LeaderID && callerID != sess.HostID {
			return ErrForbidden
		}
		return applyStatus(sess, status)
	})
}

// AddParticipant is idempotent: re-adding a member is a no-op. The first
// accept beyond the host activates a pending session.
func (s *SqliteStore) AddParticipant(ctx context.Context, callerID, sessionID, userID string) (*model.Session, error) {
	return s.mutate(ctx, sessionID, func(sess *model.Session) error {
		// Self-add on accept is the one write open to non-leaders.
		if callerID != userID && callerID != sess.LeaderID {
			return ErrForbidden
		}
		if sess.HasParticipant(userID) {
			return nil
		}
		if sess.Status.IsTerminal() {
			return ErrTerminal
		}
		if sess.IsFull() {
			return ErrFull
		}
		sess.ParticipantIDs = append(sess.ParticipantIDs, userID)
		if sess.Status == model.StatusPending && userID != sess.HostID {
			return applyStatus(sess, model.StatusActive)
		}
		return nil
	})
}

// RemoveParticipant is idempotent: removing a non-member is a no-op. If the
// leader departs, leadership moves to the lexicographically smallest
// remaining member; if nobody remains the session is cancelled.
func (s *SqliteStore) RemoveParticipant(ctx context.Context, callerID, sessionID, userID string) (*model.Session, error) {
	return s.mutate(ctx, sessionID, func(sess *model.Session) error {
		if callerID != userID && callerID != sess.LeaderID {
			return ErrForbidden
		}
		idx := slices.Index(sess.ParticipantIDs, userID)
		if idx < 0 {
			return nil
		}
		if sess.Status.IsTerminal() {
			return ErrTerminal
		}
		sess.ParticipantIDs = slices.Delete(sess.ParticipantIDs, idx, idx+1)
		delete(sess.ParticipantHeartbeats, userID)

		if len(sess.ParticipantIDs) == 0 {
			return applyStatus(sess, model.StatusCancelled)
		}
		if sess.LeaderID == userID {
			sess.LeaderID = slices.Min(sess.ParticipantIDs)
		}
		return nil
	})
}

func (s *SqliteStore) SetLeader(ctx context.Context, callerID, sessionID, userID string) (*model.Session, error) {
	return s.mutate(ctx, sessionID, func(sess *model.Session) error {
		if sess.Status.IsTerminal() {
			return ErrTerminal
		}
		if !sess.HasParticipant(userID) {
			return ErrNotMember
		}
		// Repeating a transfer is a no-op for any member, so a retried
		// call from the former leader cannot fail.
		if sess.LeaderID == userID {
			if !sess.HasParticipant(callerID) {
				return ErrForbidden
			}
			return nil
		}
		// The current leader transfers freely. Any member may seize
		// leadership for itself once the recorded leader has gone stale
		// (takeover election after a heartbeat eviction); racing writers
		// converge via last-write-wins on the column.
		if callerID != sess.LeaderID {
			if callerID != userID || !leaderStale(sess) {
				return ErrForbidden
			}
		}
		sess.LeaderID = userID
		return nil
	})
}

// WriteHeartbeat merges the participant's liveness timestamp into the row.
// Heartbeats are deliberately not republished on the change feed; peers poll
// the map on their scan interval instead.
func (s *SqliteStore) WriteHeartbeat(ctx context.Context, sessionID, userID string, ts time.Time) error {
	_, err := s.mutateQuiet(ctx, sessionID, func(sess *model.Session) error {
		if sess.Status.IsTerminal() {
			return ErrTerminal
		}
		if !sess.HasParticipant(userID) {
			return ErrNotMember
		}
		if sess.ParticipantHeartbeats == nil {
			sess.ParticipantHeartbeats = map[string]int64{}
		}
		sess.ParticipantHeartbeats[userID] = ts.UnixMilli()
		return nil
	})
	return err
}

// leaderStaleAfter mirrors the manager's heartbeat eviction threshold.
const leaderStaleAfter = 45 * time.Second

func leaderStale(sess *model.Session) bool {
	if sess.LeaderID == "" || !sess.HasParticipant(sess.LeaderID) {
		return true
	}
	hb, ok := sess.ParticipantHeartbeats[sess.LeaderID]
	if !ok {
		return false
	}
	return time.Since(time.UnixMilli(hb)) > leaderStaleAfter
}

// applyStatus enforces the lifecycle table and stamps started/ended times.
func applyStatus(sess *model.Session, status model.SessionStatus) error {
	if sess.Status == status {
		return nil
	}
	if sess.Status.IsTerminal() {
		return ErrTerminal
	}
	if !lifecycle.StatusTransitionAllowed(sess.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, sess.Status, status)
	}
	sess.Status = status
	switch status {
	case model.StatusActive:
		if sess.StartedAt.IsZero() {
			sess.StartedAt = time.Now()
		}
	case model.StatusCompleted, model.StatusCancelled:
		if sess.EndedAt.IsZero() {
			sess.EndedAt = time.Now()
		}
	}
	return nil
}

// mutate loads the row in a transaction, applies fn, persists the result and
// publishes the committed snapshot on the change feed.
func (s *SqliteStore) mutate(ctx context.Context, sessionID string, fn func(*model.Session) error) (*model.Session, error) {
	sess, err := s.mutateQuiet(ctx, sessionID, fn)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, sess)
	return sess, nil
}

func (s *SqliteStore) mutateQuiet(ctx context.Context, sessionID string, fn func(*model.Session) error) (*model.Session, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sess, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT * FROM live_sessions WHERE session_id = ?`, sessionID))
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotFound
	}

	if err := fn(sess); err != nil {
		return nil, err
	}

	participantsJSON, _ := json.Marshal(sess.ParticipantIDs)
	routineJSON, _ := json.Marshal(sess.RoutineData)
	heartbeatsJSON, _ := json.Marshal(sess.ParticipantHeartbeats)

	_, err = tx.ExecContext(ctx, `
		UPDATE live_sessions SET
			host_id = ?, leader_id = ?, participants_json = ?, status = ?,
			invite_code = ?, routine_json = ?, sync_mode = ?, heartbeats_json = ?,
			started_at_ms = ?, ended_at_ms = ?
		WHERE session_id = ?`,
		sess.HostID, sess.LeaderID, participantsJSON, sess.Status,
		sess.InviteCode, routineJSON, sess.SyncMode, heartbeatsJSON,
		timeToNullMs(sess.StartedAt), timeToNullMs(sess.EndedAt),
		sess.SessionID,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SqliteStore) publish(ctx context.Context, sess *model.Session) {
	if s.pub == nil {
		return
	}
	if err := s.pub.PublishSessionChange(ctx, sess.Clone()); err != nil {
		s.logger.Warn().Err(err).
			Str(log.FieldSessionID, sess.SessionID).
			Msg("change feed publish failed")
	}
}

// --- Helpers ---

func scanSession(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.Session, error) {
	var sess model.Session
	var participantsJSON, routineJSON, heartbeatsJSON []byte
	var syncMode sql.NullString
	var createdAt int64
	var startedAt, endedAt sql.NullInt64

	err := scanner.Scan(
		&sess.SessionID, &sess.HostID, &sess.LeaderID, &participantsJSON, &sess.Status,
		&sess.InviteCode, &routineJSON, &syncMode, &heartbeatsJSON,
		&createdAt, &startedAt, &endedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	_ = json.Unmarshal(participantsJSON, &sess.ParticipantIDs)
	_ = json.Unmarshal(routineJSON, &sess.RoutineData)
	_ = json.Unmarshal(heartbeatsJSON, &sess.ParticipantHeartbeats)
	if syncMode.Valid {
		sess.SyncMode = model.SyncMode(syncMode.String)
	}
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.StartedAt = nullMsToTime(startedAt)
	sess.EndedAt = nullMsToTime(endedAt)
	return &sess, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func timeToNullMs(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullMsToTime(ms sql.NullInt64) time.Time {
	if !ms.Valid {
		return time.Time{}
	}
	return time.UnixMilli(ms.Int64)
}
