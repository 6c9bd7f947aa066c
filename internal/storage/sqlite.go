// Package storage persists knowledge bases. Each KB is a single SQLite
// file holding documents, their embedded chunks, an FTS5 index over
// chunk text, and the resolved import edges between documents.
package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps one KB's SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and runs pending
// migrations. Pass ":memory:" for an in-memory database (used by tests).
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Documents & chunks ---

// ReplaceDocument atomically replaces a document and all of its chunks.
// Re-ingesting a file never leaves stale chunks, FTS rows, or edges
// behind. The document's assigned ID is returned.
func (s *Store) ReplaceDocument(doc Document, chunks []Chunk) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning replace transaction: %w", err)
	}
	defer tx.Rollback()

	// Explicit chunk delete so the FTS sync trigger fires; FK cascade
	// alone is not relied on here.
	if _, err := tx.Exec(`DELETE FROM chunks WHERE doc_id = (SELECT id FROM documents WHERE rel_path = ?)`, doc.RelPath); err != nil {
		return 0, fmt.Errorf("deleting old chunks: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM edges WHERE src_doc = (SELECT id FROM documents WHERE rel_path = ?)
		OR dst_doc = (SELECT id FROM documents WHERE rel_path = ?)`, doc.RelPath, doc.RelPath); err != nil {
		return 0, fmt.Errorf("deleting old edges: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM documents WHERE rel_path = ?`, doc.RelPath); err != nil {
		return 0, fmt.Errorf("deleting old document: %w", err)
	}

	imports := doc.ImportsJSON
	if imports == "" {
		imports = "[]"
	}
	ingestedAt := doc.IngestedAt
	if ingestedAt.IsZero() {
		ingestedAt = time.Now()
	}
	res, err := tx.Exec(`INSERT INTO documents (rel_path, imports_json, ingested_at) VALUES (?, ?, ?)`,
		doc.RelPath, imports, ingestedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("inserting document: %w", err)
	}
	docID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading document id: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO chunks (doc_id, chunk_index, content, vector) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		var vec any
		if len(c.Vector) > 0 {
			vec = EncodeVector(c.Vector)
		}
		if _, err := stmt.Exec(docID, c.ChunkIndex, c.Content, vec); err != nil {
			return 0, fmt.Errorf("inserting chunk %d: %w", c.ChunkIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing replace: %w", err)
	}
	return docID, nil
}

// GetDocument looks a document up by its relative path.
func (s *Store) GetDocument(relPath string) (Document, error) {
	var d Document
	var ingestedAt string
	err := s.db.QueryRow(`SELECT id, rel_path, imports_json, ingested_at FROM documents WHERE rel_path = ?`, relPath).
		Scan(&d.ID, &d.RelPath, &d.ImportsJSON, &ingestedAt)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	t, err := time.Parse(time.RFC3339, ingestedAt)
	if err != nil {
		return Document{}, fmt.Errorf("parsing ingested_at: %w", err)
	}
	d.IngestedAt = t
	return d, nil
}

// ListDocuments returns all documents ordered by relative path.
func (s *Store) ListDocuments() ([]Document, error) {
	rows, err := s.db.Query(`SELECT id, rel_path, imports_json, ingested_at FROM documents ORDER BY rel_path ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Document
	for rows.Next() {
		var d Document
		var ingestedAt string
		if err := rows.Scan(&d.ID, &d.RelPath, &d.ImportsJSON, &ingestedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, ingestedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing ingested_at: %w", err)
		}
		d.IngestedAt = t
		results = append(results, d)
	}
	return results, rows.Err()
}

// AllVectors returns every chunk that has an embedding, with its vector
// decoded. The brute-force cosine scan iterates this slice.
func (s *Store) AllVectors() ([]ChunkRef, error) {
	rows, err := s.db.Query(`
		SELECT c.id, d.rel_path, c.chunk_index, c.vector
		FROM chunks c JOIN documents d ON d.id = c.doc_id
		WHERE c.vector IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []ChunkRef
	for rows.Next() {
		var r ChunkRef
		var blob []byte
		if err := rows.Scan(&r.ChunkID, &r.RelPath, &r.ChunkIndex, &blob); err != nil {
			return nil, err
		}
		r.Vector = DecodeVector(blob)
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// ChunksByID fetches chunk content for the given chunk IDs.
func (s *Store) ChunksByID(ids []int64) (map[int64]Chunk, error) {
	if len(ids) == 0 {
		return map[int64]Chunk{}, nil
	}

	placeholders := strings.Repeat(",?", len(ids)-1)
	query := `SELECT c.id, c.doc_id, c.chunk_index, c.content FROM chunks c WHERE c.id IN (?` + placeholders + `)`

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[int64]Chunk, len(ids))
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocID, &c.ChunkIndex, &c.Content); err != nil {
			return nil, err
		}
		result[c.ID] = c
	}
	return result, rows.Err()
}

// --- Full-text search ---

// LexicalSearch runs an FTS5 match over chunk text and returns up to
// limit hits ordered best-first by bm25.
func (s *Store) LexicalSearch(query string, limit int) ([]LexicalHit, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.Query(`
		SELECT c.id, d.rel_path, c.chunk_index,
		       snippet(chunks_fts, 0, '', '', '...', 16),
		       bm25(chunks_fts)
		FROM chunks_fts
		JOIN chunks c ON c.id = chunks_fts.rowid
		JOIN documents d ON d.id = c.doc_id
		WHERE chunks_fts MATCH ?
		ORDER BY bm25(chunks_fts)
		LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	var hits []LexicalHit
	for rows.Next() {
		var h LexicalHit
		if err := rows.Scan(&h.ChunkID, &h.RelPath, &h.ChunkIndex, &h.Snippet, &h.Rank); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// ftsQuery turns free text into a safe FTS5 MATCH expression: each
// term quoted (so operators like NEAR or - are literal) and joined
// with OR for recall. Ranking sorts the good matches up anyway.
func ftsQuery(q string) string {
	terms := strings.Fields(q)
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

// --- Edges ---

// ReplaceEdges wholesale-replaces the edge set. Pairs whose endpoints
// are not ingested documents are skipped.
func (s *Store) ReplaceEdges(edges []Edge) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning edges transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM edges`); err != nil {
		return fmt.Errorf("clearing edges: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO edges (src_doc, dst_doc, kind)
		SELECT s.id, d.id, ?
		FROM documents s, documents d
		WHERE s.rel_path = ? AND d.rel_path = ?`)
	if err != nil {
		return fmt.Errorf("preparing edge insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range edges {
		kind := e.Kind
		if kind == "" {
			kind = "import"
		}
		if _, err := stmt.Exec(kind, e.SrcPath, e.DstPath); err != nil {
			return fmt.Errorf("inserting edge %s -> %s: %w", e.SrcPath, e.DstPath, err)
		}
	}

	return tx.Commit()
}

// ListEdges returns all edges with endpoints as relative paths.
func (s *Store) ListEdges() ([]Edge, error) {
	rows, err := s.db.Query(`
		SELECT s.rel_path, d.rel_path, e.kind
		FROM edges e
		JOIN documents s ON s.id = e.src_doc
		JOIN documents d ON d.id = e.dst_doc
		ORDER BY s.rel_path, d.rel_path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.SrcPath, &e.DstPath, &e.Kind); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// --- Stats ---

// Stats counts the KB's documents, chunks, and edges.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&st.Documents); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM chunks`).Scan(&st.Chunks); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM edges`).Scan(&st.Edges); err != nil {
		return Stats{}, err
	}
	return st, nil
}
