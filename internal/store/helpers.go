package store

import (
	"database/sql"
	"fmt"
	"time"
)

// timeNow is a seam over time.Now so tests could stub it; production always
// uses the real clock.
var timeNow = func() time.Time { return time.Now().UTC() }

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func checkAffected(res sql.Result, err error, what string) error {
	if err != nil {
		return fmt.Errorf("store: %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: %s: %w", what, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
