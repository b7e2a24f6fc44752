package mutationq

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS offline_mutations (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	category    TEXT    NOT NULL,
	method      TEXT    NOT NULL,
	url         TEXT    NOT NULL,
	headers     TEXT    NOT NULL,
	body        BLOB,
	enqueued_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_offline_mutations_category ON offline_mutations(category, id);
`

// SQLiteBackend stores records in a single sqlite table. AUTOINCREMENT
// guarantees ids are never reused after a delete.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens the database at path (":memory:" works for tests).
func OpenSQLite(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Append(rec Record) (Record, error) {
	headers, err := json.Marshal(rec.Header)
	if err != nil {
		return Record{}, err
	}
	res, err := b.db.Exec(
		`INSERT INTO offline_mutations (category, method, url, headers, body, enqueued_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Category, rec.Method, rec.URL, string(headers), rec.Body, rec.EnqueuedAt,
	)
	if err != nil {
		return Record{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Record{}, err
	}
	rec.ID = uint64(id)
	return rec, nil
}

func (b *SQLiteBackend) Pending(category string) ([]Record, error) {
	rows, err := b.db.Query(
		`SELECT id, category, method, url, headers, body, enqueued_at FROM offline_mutations WHERE category = ? ORDER BY id`,
		category,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			headers string
		)
		if err := rows.Scan(&rec.ID, &rec.Category, &rec.Method, &rec.URL, &headers, &rec.Body, &rec.EnqueuedAt); err != nil {
			return nil, err
		}
		rec.Header = http.Header{}
		if err := json.Unmarshal([]byte(headers), &rec.Header); err != nil {
			return nil, fmt.Errorf("record %d headers: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Remove(id uint64) error {
	_, err := b.db.Exec(`DELETE FROM offline_mutations WHERE id = ?`, id)
	return err
}

func (b *SQLiteBackend) Categories() ([]string, error) {
	rows, err := b.db.Query(`SELECT DISTINCT category FROM offline_mutations ORDER BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Count() (int, error) {
	var n int
	err := b.db.QueryRow(`SELECT COUNT(*) FROM offline_mutations`).Scan(&n)
	return n, err
}

func (b *SQLiteBackend) Close() error { return b.db.Close() }
