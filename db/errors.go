package db

import (
	"strings"

	"github.com/teranos/kiln/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed database.
// This typically happens during shutdown while run completion handlers are
// still flushing logs.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is closed.
// The driver returns its own error values, so the message is checked as well.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
