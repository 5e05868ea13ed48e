package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RawDocument is a stored document with its JSON body still encoded.
type RawDocument struct {
	Collection string
	ID         string
	Data       []byte
	CreatedAt  int64
	UpdatedAt  int64
}

// PutDocument inserts or replaces a document body (idempotent on collection + id).
// created_at is kept from the first insert.
func (db *DB) PutDocument(collection, id string, data []byte) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO documents (collection, id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at`,
		collection, id, string(data), now, now)
	return err
}

// GetDocument returns a single document, or nil when it does not exist.
func (db *DB) GetDocument(collection, id string) (*RawDocument, error) {
	var d RawDocument
	var data string
	err := db.QueryRow(`
		SELECT collection, id, data, created_at, updated_at
		FROM documents WHERE collection = ? AND id = ?`, collection, id).
		Scan(&d.Collection, &d.ID, &data, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.Data = []byte(data)
	return &d, nil
}

// ListDocuments returns every document of a collection in insertion order.
// Filtering and ordering are applied by the caller's query.
func (db *DB) ListDocuments(collection string) ([]RawDocument, error) {
	rows, err := db.Query(`
		SELECT collection, id, data, created_at, updated_at
		FROM documents WHERE collection = ?
		ORDER BY created_at ASC, rowid ASC`, collection)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var docs []RawDocument
	for rows.Next() {
		var d RawDocument
		var data string
		if err := rows.Scan(&d.Collection, &d.ID, &data, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Data = []byte(data)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document. Deleting a missing document is not an error.
func (db *DB) DeleteDocument(collection, id string) error {
	_, err := db.Exec(`DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	return err
}

// CountDocuments returns the number of documents in a collection.
func (db *DB) CountDocuments(collection string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM documents WHERE collection = ?`, collection).Scan(&n)
	return n, err
}

// NextServerTime returns a strictly increasing unix-millisecond timestamp,
// persisted so ordering survives restarts even if the wall clock steps back.
func (db *DB) NextServerTime(now time.Time) (int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last int64
	if err := tx.QueryRow(`SELECT last_ms FROM server_clock WHERE id = 1`).Scan(&last); err != nil {
		return 0, fmt.Errorf("read server clock: %w", err)
	}
	next := now.UnixMilli()
	if next <= last {
		next = last + 1
	}
	if _, err := tx.Exec(`UPDATE server_clock SET last_ms = ? WHERE id = 1`, next); err != nil {
		return 0, fmt.Errorf("advance server clock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit server clock: %w", err)
	}
	return next, nil
}
