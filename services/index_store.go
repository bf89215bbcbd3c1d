package services

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"filing-analyzer/models"
	"filing-analyzer/utils"
)

// ErrCollectionNotFound is returned by a CollectionStore when nothing has
// been persisted for a document.
var ErrCollectionNotFound = errors.New("collection not found")

// CollectionStore persists one document's chunks and vectors as a unit.
type CollectionStore interface {
	SaveCollection(ctx context.Context, info models.DocumentInfo, chunks []models.Chunk) error
	LoadCollection(ctx context.Context, docID string) (*models.DocumentInfo, []models.Chunk, error)
	DeleteCollection(ctx context.Context, docID string) error
	Ping(ctx context.Context) error
}

// SQLiteCollectionStore keeps collections in a local SQLite file. Rows are
// keyed by (collection, doc_id) so each document can be dropped and rebuilt
// on its own.
type SQLiteCollectionStore struct {
	db         *sql.DB
	path       string
	collection string
}

const collectionSchema = `
CREATE TABLE IF NOT EXISTS documents (
	collection  TEXT NOT NULL,
	doc_id      TEXT NOT NULL,
	info        TEXT NOT NULL,
	chunk_count INTEGER NOT NULL,
	indexed_at  DATETIME NOT NULL,
	PRIMARY KEY (collection, doc_id)
);
CREATE TABLE IF NOT EXISTS chunks (
	collection   TEXT NOT NULL,
	doc_id       TEXT NOT NULL,
	ordinal      INTEGER NOT NULL,
	start_offset INTEGER NOT NULL,
	end_offset   INTEGER NOT NULL,
	text         BLOB NOT NULL,
	compression  TEXT NOT NULL,
	embedding    BLOB NOT NULL,
	created_at   DATETIME NOT NULL,
	PRIMARY KEY (collection, doc_id, ordinal)
);`

// NewSQLiteCollectionStore opens (or creates) the database at path. Use
// ":memory:" in tests.
func NewSQLiteCollectionStore(path, collection string) (*SQLiteCollectionStore, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating vector db directory: %w", err)
		}
		// WAL lets the API server read while the worker process writes.
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening vector db: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(collectionSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating vector db schema: %w", err)
	}

	return &SQLiteCollectionStore{db: db, path: path, collection: collection}, nil
}

func (s *SQLiteCollectionStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteCollectionStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveCollection replaces the document's rows in a single transaction.
func (s *SQLiteCollectionStore) SaveCollection(ctx context.Context, info models.DocumentInfo, chunks []models.Chunk) error {
	infoJSON, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshaling document info: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE collection = ? AND doc_id = ?`, s.collection, info.ID); err != nil {
		return fmt.Errorf("clearing chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (collection, doc_id, info, chunk_count, indexed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, doc_id) DO UPDATE SET
			info = excluded.info,
			chunk_count = excluded.chunk_count,
			indexed_at = excluded.indexed_at`,
		s.collection, info.ID, string(infoJSON), len(chunks), info.IndexedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("saving document: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (collection, doc_id, ordinal, start_offset, end_offset, text, compression, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		text, algo, err := utils.CompressText(c.Text)
		if err != nil {
			return fmt.Errorf("compressing chunk %d: %w", c.Ordinal, err)
		}
		if _, err := stmt.ExecContext(ctx,
			s.collection, info.ID, c.Ordinal, c.Start, c.End,
			text, string(algo), float32SliceToBytes(c.Embedding),
			c.CreatedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("inserting chunk %d: %w", c.Ordinal, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing collection: %w", err)
	}
	return nil
}

// LoadCollection returns ErrCollectionNotFound when the document was never
// persisted. A row count that disagrees with the stored header is reported
// as corruption.
func (s *SQLiteCollectionStore) LoadCollection(ctx context.Context, docID string) (*models.DocumentInfo, []models.Chunk, error) {
	var infoJSON string
	var chunkCount int
	err := s.db.QueryRowContext(ctx,
		`SELECT info, chunk_count FROM documents WHERE collection = ? AND doc_id = ?`,
		s.collection, docID,
	).Scan(&infoJSON, &chunkCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrCollectionNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading document: %w", err)
	}

	var info models.DocumentInfo
	if err := json.Unmarshal([]byte(infoJSON), &info); err != nil {
		return nil, nil, fmt.Errorf("decoding document info: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ordinal, start_offset, end_offset, text, compression, embedding, created_at
		FROM chunks WHERE collection = ? AND doc_id = ?
		ORDER BY ordinal`, s.collection, docID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading chunks: %w", err)
	}
	defer rows.Close()

	chunks := make([]models.Chunk, 0, chunkCount)
	for rows.Next() {
		var (
			c         models.Chunk
			text      []byte
			algo      string
			embedding []byte
			createdAt string
		)
		if err := rows.Scan(&c.Ordinal, &c.Start, &c.End, &text, &algo, &embedding, &createdAt); err != nil {
			return nil, nil, fmt.Errorf("scanning chunk: %w", err)
		}
		if c.Text, err = utils.DecompressText(text, utils.CompressionAlgorithm(algo)); err != nil {
			return nil, nil, fmt.Errorf("chunk %d: %w", c.Ordinal, err)
		}
		if len(embedding)%4 != 0 {
			return nil, nil, fmt.Errorf("chunk %d: embedding blob has %d bytes", c.Ordinal, len(embedding))
		}
		c.Embedding = bytesToFloat32Slice(embedding)
		c.DocumentID = docID
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterating chunks: %w", err)
	}
	if len(chunks) != chunkCount {
		return nil, nil, fmt.Errorf("collection %s has %d chunks, header says %d", docID, len(chunks), chunkCount)
	}

	return &info, chunks, nil
}

func (s *SQLiteCollectionStore) DeleteCollection(ctx context.Context, docID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE collection = ? AND doc_id = ?`, s.collection, docID); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND doc_id = ?`, s.collection, docID); err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	return tx.Commit()
}

// float32SliceToBytes converts a []float32 to a byte slice for storage.
func float32SliceToBytes(floats []float32) []byte {
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// bytesToFloat32Slice converts a byte slice back to []float32.
func bytesToFloat32Slice(data []byte) []float32 {
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats
}
