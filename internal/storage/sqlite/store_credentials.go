package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/latchkey/latchkey/internal/storage"
	sqlitedriver "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

func (s *Store) EnrollCredential(ctx context.Context, credential storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credential.CredentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(credential.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(credential.CredentialJSON) == "" {
		return fmt.Errorf("credential json is required")
	}

	lastUsed := sql.NullInt64{}
	if credential.LastUsedAt != nil {
		lastUsed = sql.NullInt64{Int64: toMillis(*credential.LastUsedAt), Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO credentials (credential_id, user_id, label, sign_count, credential_json, created_at, updated_at, last_used_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`, credential.CredentialID, credential.UserID, credential.Label, credential.SignCount,
		credential.CredentialJSON, toMillis(credential.CreatedAt), toMillis(credential.UpdatedAt), lastUsed)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateCredential
		}
		return unavailable("enroll credential", err)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, credentialID string) (storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storage.Credential{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Credential{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return storage.Credential{}, fmt.Errorf("credential id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT credential_id, user_id, label, sign_count, credential_json, created_at, updated_at, last_used_at
FROM credentials WHERE credential_id = ?;
`, credentialID)
	credential, err := scanCredential(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Credential{}, storage.ErrNotFound
		}
		return storage.Credential{}, unavailable("get credential", err)
	}
	return credential, nil
}

func (s *Store) ListCredentialsByUser(ctx context.Context, userID string) ([]storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT credential_id, user_id, label, sign_count, credential_json, created_at, updated_at, last_used_at
FROM credentials WHERE user_id = ? ORDER BY created_at, credential_id;
`, userID)
	if err != nil {
		return nil, unavailable("list credentials", err)
	}
	defer rows.Close()

	credentials := make([]storage.Credential, 0)
	for rows.Next() {
		credential, err := scanCredential(rows.Scan)
		if err != nil {
			return nil, unavailable("scan credential", err)
		}
		credentials = append(credentials, credential)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list credentials", err)
	}
	return credentials, nil
}

// UpdateSignCount advances the counter with a conditional update so the
// monotonicity check and the write are one atomic statement.
func (s *Store) UpdateSignCount(ctx context.Context, credentialID string, newCount uint32, usedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE credentials
SET sign_count = ?, updated_at = ?, last_used_at = ?
WHERE credential_id = ? AND sign_count < ?;
`, newCount, toMillis(usedAt), toMillis(usedAt), credentialID, newCount)
	if err != nil {
		return unavailable("update sign count", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return unavailable("update sign count", err)
	}
	if affected == 1 {
		return nil
	}

	if _, err := s.GetCredential(ctx, credentialID); err != nil {
		return err
	}
	return storage.ErrCounterRollback
}

func (s *Store) DeleteCredential(ctx context.Context, credentialID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM credentials WHERE credential_id = ?;`, credentialID); err != nil {
		return unavailable("delete credential", err)
	}
	return nil
}

func scanCredential(scan func(dest ...any) error) (storage.Credential, error) {
	var (
		credential storage.Credential
		createdAt  int64
		updatedAt  int64
		lastUsed   sql.NullInt64
	)
	err := scan(&credential.CredentialID, &credential.UserID, &credential.Label, &credential.SignCount,
		&credential.CredentialJSON, &createdAt, &updatedAt, &lastUsed)
	if err != nil {
		return storage.Credential{}, err
	}
	credential.CreatedAt = fromMillis(createdAt)
	credential.UpdatedAt = fromMillis(updatedAt)
	if lastUsed.Valid {
		value := fromMillis(lastUsed.Int64)
		credential.LastUsedAt = &value
	}
	return credential, nil
}

func isUniqueViolation(err error) bool {
	var driverErr *sqlitedriver.Error
	if errors.As(err, &driverErr) {
		code := driverErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
