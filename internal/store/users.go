package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/sealgram/sealgram/internal/models"
)

func (s *Store) GetUser(id int64) (*models.User, error) {
	user := &models.User{}
	err := s.db.QueryRow(`
		SELECT id, username, display_name, public_key, sponsor, created_at
		FROM users WHERE id = ?
	`, id).Scan(&user.ID, &user.Username, &user.DisplayName, &user.PublicKey, &user.Sponsor, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	return user, nil
}

// GetUsers returns the requested users keyed by id. Missing ids are simply
// absent from the result.
func (s *Store) GetUsers(ids []int64) (map[int64]*models.User, error) {
	users := make(map[int64]*models.User, len(ids))
	if len(ids) == 0 {
		return users, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.Query(`
		SELECT id, username, display_name, public_key, sponsor, created_at
		FROM users WHERE id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		user := &models.User{}
		if err := rows.Scan(&user.ID, &user.Username, &user.DisplayName, &user.PublicKey,
			&user.Sponsor, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users[user.ID] = user
	}
	return users, nil
}

// SearchUsers finds users by username or display name, excluding the caller.
func (s *Store) SearchUsers(query string, excludeID int64, limit int) ([]*models.User, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}

	var rows *sql.Rows
	var err error
	if query != "" {
		pattern := "%" + query + "%"
		rows, err = s.db.Query(`
			SELECT id, username, display_name, public_key, sponsor, created_at
			FROM users
			WHERE id != ? AND (username LIKE ? OR display_name LIKE ?)
			ORDER BY username LIMIT ?
		`, excludeID, pattern, pattern, limit)
	} else {
		rows, err = s.db.Query(`
			SELECT id, username, display_name, public_key, sponsor, created_at
			FROM users WHERE id != ? ORDER BY username LIMIT ?
		`, excludeID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user := &models.User{}
		if err := rows.Scan(&user.ID, &user.Username, &user.DisplayName, &user.PublicKey,
			&user.Sponsor, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// PublicKey returns the user's asymmetric public key, discoverable by id.
func (s *Store) PublicKey(userID int64) (string, error) {
	var key string
	err := s.db.QueryRow("SELECT public_key FROM users WHERE id = ?", userID).Scan(&key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to fetch public key: %w", err)
	}
	return key, nil
}

// IsSponsor reports whether the user holds the sponsor capability, which
// raises attachment size ceilings.
func (s *Store) IsSponsor(userID int64) (bool, error) {
	var sponsor bool
	err := s.db.QueryRow("SELECT sponsor FROM users WHERE id = ?", userID).Scan(&sponsor)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("failed to fetch sponsor flag: %w", err)
	}
	return sponsor, nil
}
