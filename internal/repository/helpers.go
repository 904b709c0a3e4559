package repository

import (
	"database/sql"
	"errors"
)

// HandleNotFound turns sql.ErrNoRows from a single-row lookup into (nil, nil), so callers can
// tell "no such call" apart from a failed query.
func HandleNotFound[T any](result *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}
