package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/latchkey/latchkey/internal/storage"
)

func (s *Store) PutChallenge(ctx context.Context, challenge storage.Challenge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(challenge.Key) == "" {
		return fmt.Errorf("challenge key is required")
	}
	if strings.TrimSpace(challenge.Value) == "" {
		return fmt.Errorf("challenge value is required")
	}

	consumed := 0
	if challenge.Consumed {
		consumed = 1
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO challenges (key, purpose, user_id, value, session_json, created_at, expires_at, consumed)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (key) DO UPDATE SET
    purpose = excluded.purpose,
    user_id = excluded.user_id,
    value = excluded.value,
    session_json = excluded.session_json,
    created_at = excluded.created_at,
    expires_at = excluded.expires_at,
    consumed = excluded.consumed;
`, challenge.Key, challenge.Purpose, challenge.UserID, challenge.Value, challenge.SessionJSON,
		toMillis(challenge.CreatedAt), toMillis(challenge.ExpiresAt), consumed)
	if err != nil {
		return unavailable("put challenge", err)
	}
	return nil
}

func (s *Store) GetChallenge(ctx context.Context, key string) (storage.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return storage.Challenge{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Challenge{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(key) == "" {
		return storage.Challenge{}, fmt.Errorf("challenge key is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT key, purpose, user_id, value, session_json, created_at, expires_at, consumed
FROM challenges WHERE key = ?;
`, key)

	var (
		challenge storage.Challenge
		createdAt int64
		expiresAt int64
		consumed  int
	)
	err := row.Scan(&challenge.Key, &challenge.Purpose, &challenge.UserID, &challenge.Value,
		&challenge.SessionJSON, &createdAt, &expiresAt, &consumed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Challenge{}, storage.ErrNotFound
		}
		return storage.Challenge{}, unavailable("get challenge", err)
	}
	challenge.CreatedAt = fromMillis(createdAt)
	challenge.ExpiresAt = fromMillis(expiresAt)
	challenge.Consumed = consumed != 0
	return challenge, nil
}

func (s *Store) MarkChallengeConsumed(ctx context.Context, key string, consumedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE challenges SET consumed = 1 WHERE key = ?;
`, key)
	if err != nil {
		return unavailable("mark challenge consumed", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return unavailable("mark challenge consumed", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteChallenge(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM challenges WHERE key = ?;`, key); err != nil {
		return unavailable("delete challenge", err)
	}
	return nil
}

func (s *Store) DeleteExpiredChallenges(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM challenges WHERE expires_at <= ?;`, toMillis(now)); err != nil {
		return unavailable("delete expired challenges", err)
	}
	return nil
}
