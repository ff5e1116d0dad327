package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteIndex is a queryable secondary index over the audit stream: session
// events, transfer outcomes, and epoch history. Writes go through a buffered
// channel and a single writer goroutine; the server never blocks on the index.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqSession reqKind = iota + 1
	reqTransfer
	reqEpoch
)

type req struct {
	kind     reqKind
	session  SessionRow
	transfer TransferRow
	epoch    EpochRow
}

// SessionRow records a connect, identify, or disconnect event.
type SessionRow struct {
	TS       string
	UniqueID string
	Name     string
	PlayerID string
	Event    string
	Detail   string
}

// TransferRow records one bulk transfer attempt.
type TransferRow struct {
	TS       string
	UniqueID string
	MapID    string
	Chunks   int
	Bytes    int64
	Status   string
}

// EpochRow records one regeneration cycle.
type EpochRow struct {
	Epoch       int64
	Seed        int64
	MapID       string
	Reason      string
	Clients     int
	Outcome     string
	CompletedAt string
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// Room for bursty disconnect storms without stalling transport callbacks.
		ch: make(chan req, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads. NORMAL is a decent
	// durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			unique_id TEXT NOT NULL,
			name TEXT,
			player_id TEXT,
			event TEXT NOT NULL,
			detail TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_uid_ts ON sessions(unique_id, ts);`,
		`CREATE TABLE IF NOT EXISTS transfers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			unique_id TEXT NOT NULL,
			map_id TEXT NOT NULL,
			chunks INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			status TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transfers_map ON transfers(map_id, ts);`,
		`CREATE TABLE IF NOT EXISTS epochs (
			epoch INTEGER PRIMARY KEY,
			seed INTEGER NOT NULL,
			map_id TEXT,
			reason TEXT,
			clients INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			completed_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordSession enqueues a session event. Drops on a full queue; the JSONL
// audit log remains the source of truth.
func (s *SQLiteIndex) RecordSession(r SessionRow) {
	if s == nil || s.closed.Load() {
		return
	}
	if r.TS == "" {
		r.TS = time.Now().UTC().Format(time.RFC3339Nano)
	}
	select {
	case s.ch <- req{kind: reqSession, session: r}:
	default:
	}
}

func (s *SQLiteIndex) RecordTransfer(r TransferRow) {
	if s == nil || s.closed.Load() {
		return
	}
	if r.TS == "" {
		r.TS = time.Now().UTC().Format(time.RFC3339Nano)
	}
	select {
	case s.ch <- req{kind: reqTransfer, transfer: r}:
	default:
	}
}

func (s *SQLiteIndex) RecordEpoch(r EpochRow) {
	if s == nil || s.closed.Load() {
		return
	}
	if r.Epoch <= 0 {
		return
	}
	if r.CompletedAt == "" {
		r.CompletedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	select {
	case s.ch <- req{kind: reqEpoch, epoch: r}:
	default:
	}
}

// Epochs returns the most recent cycles, newest first. Read path for the
// admin endpoints; runs against the live db, not the writer queue.
func (s *SQLiteIndex) Epochs(limit int) ([]EpochRow, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT epoch, seed, COALESCE(map_id,''), COALESCE(reason,''), clients, outcome, completed_at
		 FROM epochs ORDER BY epoch DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EpochRow
	for rows.Next() {
		var r EpochRow
		if err := rows.Scan(&r.Epoch, &r.Seed, &r.MapID, &r.Reason, &r.Clients, &r.Outcome, &r.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertSession, _ := s.db.Prepare(`INSERT INTO sessions(ts,unique_id,name,player_id,event,detail) VALUES(?,?,?,?,?,?)`)
	insertTransfer, _ := s.db.Prepare(`INSERT INTO transfers(ts,unique_id,map_id,chunks,bytes,status) VALUES(?,?,?,?,?,?)`)
	insertEpoch, _ := s.db.Prepare(`INSERT OR REPLACE INTO epochs(epoch,seed,map_id,reason,clients,outcome,completed_at) VALUES(?,?,?,?,?,?,?)`)
	defer func() {
		if insertSession != nil {
			_ = insertSession.Close()
		}
		if insertTransfer != nil {
			_ = insertTransfer.Close()
		}
		if insertEpoch != nil {
			_ = insertEpoch.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 256
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqSession:
			if insertSession == nil {
				continue
			}
			se := r.session
			if _, err := tx.Stmt(insertSession).Exec(se.TS, se.UniqueID, se.Name, se.PlayerID, se.Event, se.Detail); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqTransfer:
			if insertTransfer == nil {
				continue
			}
			tr := r.transfer
			if _, err := tx.Stmt(insertTransfer).Exec(tr.TS, tr.UniqueID, tr.MapID, tr.Chunks, tr.Bytes, tr.Status); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqEpoch:
			if insertEpoch == nil {
				continue
			}
			ep := r.epoch
			if _, err := tx.Stmt(insertEpoch).Exec(ep.Epoch, ep.Seed, ep.MapID, ep.Reason, ep.Clients, ep.Outcome, ep.CompletedAt); err != nil {
				rollback()
				continue
			}
			opCount++
		}
		flushIfNeeded()
	}

	commit()
}
