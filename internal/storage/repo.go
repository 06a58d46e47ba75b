package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

func (s *Store) SaveCredential(ctx context.Context, c CredentialRow) error {
	if strings.TrimSpace(c.UserJSON) == "" || !json.Valid([]byte(c.UserJSON)) {
		c.UserJSON = "{}"
	}
	q := s.sql.Insert("credentials").
		Columns("profile", "access_token", "expires_at_ms", "user_json", "remember_me", "updated_at").
		Values(c.Profile, c.AccessToken, c.ExpiresAt.UnixMilli(), c.UserJSON, c.RememberMe, nowExpr(s.driver)).
		Suffix("ON CONFLICT(profile) DO UPDATE SET access_token=excluded.access_token, expires_at_ms=excluded.expires_at_ms, user_json=excluded.user_json, remember_me=excluded.remember_me, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build save credential query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, profile string) (CredentialRow, error) {
	q := s.sql.Select("profile", "access_token", "expires_at_ms", "user_json", "remember_me", "updated_at").
		From("credentials").
		Where(sq.Eq{"profile": profile})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return CredentialRow{}, fmt.Errorf("build get credential query: %w", err)
	}

	var out CredentialRow
	var expiresMS int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&out.Profile,
		&out.AccessToken,
		&expiresMS,
		&out.UserJSON,
		&out.RememberMe,
		&out.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CredentialRow{}, ErrNotFound
		}
		return CredentialRow{}, fmt.Errorf("get credential: %w", err)
	}
	out.ExpiresAt = time.UnixMilli(expiresMS).UTC()
	return out, nil
}

func (s *Store) SaveRefreshToken(ctx context.Context, profile, sealed string) error {
	q := s.sql.Insert("refresh_tokens").
		Columns("profile", "token", "updated_at").
		Values(profile, sealed, nowExpr(s.driver)).
		Suffix("ON CONFLICT(profile) DO UPDATE SET token=excluded.token, updated_at=excluded.updated_at")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build save refresh token query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

func (s *Store) GetRefreshToken(ctx context.Context, profile string) (string, error) {
	q := s.sql.Select("token").From("refresh_tokens").Where(sq.Eq{"profile": profile})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build get refresh token query: %w", err)
	}
	var token string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get refresh token: %w", err)
	}
	return token, nil
}

func (s *Store) DeleteRefreshToken(ctx context.Context, profile string) error {
	return s.deleteByProfile(ctx, "refresh_tokens", profile)
}

// DeleteCredential removes the access credential and the refresh token of
// profile in one transaction.
func (s *Store) DeleteCredential(ctx context.Context, profile string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"credentials", "refresh_tokens"} {
		sqlStr, args, err := s.sql.Delete(table).Where(sq.Eq{"profile": profile}).ToSql()
		if err != nil {
			return fmt.Errorf("build delete %s query: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) ListProfiles(ctx context.Context) ([]string, error) {
	q := s.sql.Select("profile").From("credentials").OrderBy("profile ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list profiles query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return out, nil
}

// EnsureBinding creates the binding of chatID if missing and returns it.
func (s *Store) EnsureBinding(ctx context.Context, chatID int64, profile string) (Binding, error) {
	q := s.sql.Insert("bridge_chats").
		Columns("chat_id", "profile", "updated_at").
		Values(chatID, profile, nowExpr(s.driver)).
		Suffix("ON CONFLICT(chat_id) DO NOTHING")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Binding{}, fmt.Errorf("build ensure binding query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Binding{}, fmt.Errorf("ensure binding: %w", err)
	}
	return s.GetBinding(ctx, chatID)
}

func (s *Store) GetBinding(ctx context.Context, chatID int64) (Binding, error) {
	q := s.sql.Select("chat_id", "profile", "active_session_id", "model", "updated_at").
		From("bridge_chats").
		Where(sq.Eq{"chat_id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Binding{}, fmt.Errorf("build get binding query: %w", err)
	}

	var b Binding
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&b.ChatID,
		&b.Profile,
		&b.ActiveSessionID,
		&b.Model,
		&b.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Binding{}, ErrNotFound
		}
		return Binding{}, fmt.Errorf("get binding: %w", err)
	}
	return b, nil
}

func (s *Store) SetActiveSession(ctx context.Context, chatID int64, sessionID, model string) error {
	return s.updateBinding(ctx, chatID, map[string]any{
		"active_session_id": sessionID,
		"model":             model,
	})
}

func (s *Store) SetBindingModel(ctx context.Context, chatID int64, model string) error {
	return s.updateBinding(ctx, chatID, map[string]any{"model": model})
}

func (s *Store) DeleteBinding(ctx context.Context, chatID int64) error {
	sqlStr, args, err := s.sql.Delete("bridge_chats").Where(sq.Eq{"chat_id": chatID}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete binding query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete binding: %w", err)
	}
	return nil
}

func (s *Store) updateBinding(ctx context.Context, chatID int64, set map[string]any) error {
	set["updated_at"] = nowExpr(s.driver)
	q := s.sql.Update("bridge_chats").SetMap(set).Where(sq.Eq{"chat_id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update binding query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update binding: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(e.MetaJSON) == "" {
		e.MetaJSON = "{}"
	}
	if !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}

	q := s.sql.Insert("audit_log").
		Columns("profile", "action", "meta_json").
		Values(e.Profile, e.Action, e.MetaJSON)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Store) RecentActions(ctx context.Context, profile string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	q := s.sql.Select("id", "profile", "action", "meta_json", "created_at").
		From("audit_log").
		Where(sq.Eq{"profile": profile}).
		OrderBy("id DESC").
		Limit(uint64(limit))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build recent actions query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("recent actions: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.ID, &r.Profile, &r.Action, &r.MetaJSON, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return out, nil
}

func (s *Store) deleteByProfile(ctx context.Context, table, profile string) error {
	sqlStr, args, err := s.sql.Delete(table).Where(sq.Eq{"profile": profile}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete %s query: %w", table, err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	return nil
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}
