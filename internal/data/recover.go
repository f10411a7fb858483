package data

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	sqlite "modernc.org/sqlite"
)

// SQLite primary result codes for a damaged file.
const (
	codeCorrupt = 11 // SQLITE_CORRUPT
	codeNotADB  = 26 // SQLITE_NOTADB
)

// Recovery describes a quarantined database file.
type Recovery struct {
	QuarantinedTo string
	Cause         error
}

// Open opens the database at path. A file that SQLite reports as corrupt is
// renamed to "<path>.corrupt-<unix>" and a fresh database is created in its
// place; the returned Recovery is non-nil in that case.
func Open(ctx context.Context, path, driver string) (*Store, *Recovery, error) {
	store, err := NewDB(path, driver)
	if err == nil {
		if err = store.Check(ctx); err == nil {
			return store, nil, nil
		}
		store.Close()
	}
	if path == MemoryPath || !IsCorrupt(err) {
		return nil, nil, err
	}

	moved, qerr := Quarantine(path, time.Now())
	if qerr != nil {
		return nil, nil, fmt.Errorf("quarantine corrupt database: %w (cause: %v)", qerr, err)
	}
	log.Warn().
		Err(err).
		Str("path", path).
		Str("quarantined_to", moved).
		Msg("corrupt evolution store quarantined, starting fresh")

	store, nerr := NewDB(path, driver)
	if nerr != nil {
		return nil, nil, fmt.Errorf("recreate database after quarantine: %w", nerr)
	}
	return store, &Recovery{QuarantinedTo: moved, Cause: err}, nil
}

// IsCorrupt reports whether err means the database file is damaged or not a
// SQLite database at all.
func IsCorrupt(err error) bool {
	if err == nil {
		return false
	}

	var pureErr *sqlite.Error
	if errors.As(err, &pureErr) {
		code := pureErr.Code() & 0xff
		return code == codeCorrupt || code == codeNotADB
	}

	// go-sqlite3 errors only exist in cgo builds, so they are matched by text.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not a database") ||
		strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "corrupt")
}

// Quarantine renames the database file and its WAL/SHM companions so a fresh
// database can be created at path. It returns the new name of the main file.
func Quarantine(path string, now time.Time) (string, error) {
	moved := fmt.Sprintf("%s.corrupt-%d", path, now.Unix())
	if err := os.Rename(path, moved); err != nil {
		return "", fmt.Errorf("rename %s: %w", path, err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Rename(path+suffix, moved+suffix); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("file", path+suffix).Msg("failed to move sqlite companion file")
		}
	}
	return moved, nil
}
