// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package alien

import (
	"database/sql"
	"fmt"

	// Import sqlite3 driver so that we can create a db backed by sqlite.
	_ "github.com/mattn/go-sqlite3"

	"github.com/qoollo/bob/internal/core"
)

// Ledger durably records, per buffered holder, how many replay attempts
// have been made and whether every record it held has been successfully
// handed off to its owner (spec §4.6 step 4). A process restart must not
// forget this: without it, a holder that finished replaying moments before
// a crash would be re-scanned and re-sent from scratch.
type Ledger struct {
	db *sql.DB

	markAttemptStmt, markExhaustedStmt, isExhaustedStmt *sql.Stmt
}

// OpenLedger opens (creating if necessary) the sqlite-backed ledger at path.
func OpenLedger(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening alien ledger %q: %v", core.ErrInternal, path, err)
	}

	createStmt := `CREATE TABLE IF NOT EXISTS holder_replay (
		path TEXT NOT NULL PRIMARY KEY,
		source_node TEXT NOT NULL,
		vdisk INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt INTEGER NOT NULL DEFAULT 0,
		exhausted INTEGER NOT NULL DEFAULT 0
	)`
	if _, err := db.Exec(createStmt); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: creating holder_replay table: %v", core.ErrInternal, err)
	}

	markAttemptStmt, err := db.Prepare(`
		INSERT INTO holder_replay (path, source_node, vdisk, attempts, last_attempt, exhausted)
		VALUES (?, ?, ?, 1, ?, 0)
		ON CONFLICT(path) DO UPDATE SET attempts = attempts + 1, last_attempt = excluded.last_attempt`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: preparing markAttempt statement: %v", core.ErrInternal, err)
	}
	markExhaustedStmt, err := db.Prepare(`UPDATE holder_replay SET exhausted = 1 WHERE path = ?`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: preparing markExhausted statement: %v", core.ErrInternal, err)
	}
	isExhaustedStmt, err := db.Prepare(`SELECT exhausted FROM holder_replay WHERE path = ?`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: preparing isExhausted statement: %v", core.ErrInternal, err)
	}

	return &Ledger{
		db:                db,
		markAttemptStmt:   markAttemptStmt,
		markExhaustedStmt: markExhaustedStmt,
		isExhaustedStmt:   isExhaustedStmt,
	}, nil
}

// MarkAttempt records that a replay attempt was made at unixSeconds for the
// holder at path, owned by (sourceNode, vdisk), bumping its attempt count.
func (l *Ledger) MarkAttempt(path string, sourceNode core.NodeName, vdisk core.VDiskId, unixSeconds int64) error {
	_, err := l.markAttemptStmt.Exec(path, string(sourceNode), int64(vdisk), unixSeconds)
	if err != nil {
		return fmt.Errorf("%w: recording replay attempt for %q: %v", core.ErrInternal, path, err)
	}
	return nil
}

// MarkExhausted records that every record under path has been replayed.
func (l *Ledger) MarkExhausted(path string) error {
	if _, err := l.markExhaustedStmt.Exec(path); err != nil {
		return fmt.Errorf("%w: marking %q exhausted: %v", core.ErrInternal, path, err)
	}
	return nil
}

// IsExhausted reports whether path has previously been marked exhausted.
// An unknown path is reported as not exhausted.
func (l *Ledger) IsExhausted(path string) (bool, error) {
	var exhausted int
	err := l.isExhaustedStmt.QueryRow(path).Scan(&exhausted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: reading exhausted state for %q: %v", core.ErrInternal, path, err)
	}
	return exhausted != 0, nil
}

// Close releases the ledger's prepared statements and closes the database.
func (l *Ledger) Close() error {
	l.markAttemptStmt.Close()
	l.markExhaustedStmt.Close()
	l.isExhaustedStmt.Close()
	return l.db.Close()
}
