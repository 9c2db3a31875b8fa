// Package segstore supplies the low-level segment store the engine indexes
// into: a durable, queryable store of the current per-docId row plus a
// commit history, over modernc.org/sqlite. It is deliberately not an
// inverted-index segment store (no merge, no per-field postings); it is
// just enough of a real storage engine to drive refresh, flush and commit
// retention against.
package segstore

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/docshard/shardkernel/internal/types"
)

// Store is the segment store adapter. A reader here is a materialized
// point-in-time snapshot of the live rows: holding a long-lived read
// transaction would monopolize the store's single sqlite connection, so
// OpenReader copies the table instead and writes proceed untouched.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a sqlite-backed segment store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open segstore: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: single writer, avoid SQLITE_BUSY under our own locking

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS docs (
			doc_id TEXT PRIMARY KEY,
			source BLOB,
			seq_no INTEGER NOT NULL,
			term INTEGER NOT NULL,
			version INTEGER NOT NULL,
			tombstone INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS commits (
			commit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_data TEXT NOT NULL,
			created_at_unix_ms INTEGER NOT NULL
		);
	`)
	return err
}

// AddDocument inserts a live document row, replacing any existing row for
// docID.
func (s *Store) AddDocument(docID string, source []byte, seqNo, term, version uint64) error {
	_, err := s.db.Exec(`
		INSERT INTO docs (doc_id, source, seq_no, term, version, tombstone)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(doc_id) DO UPDATE SET
			source=excluded.source, seq_no=excluded.seq_no,
			term=excluded.term, version=excluded.version, tombstone=0
	`, docID, source, seqNo, term, version)
	return err
}

// SoftUpdateDocument overwrites an existing row in place: the old version
// is not retained once committed.
func (s *Store) SoftUpdateDocument(docID string, source []byte, seqNo, term, version uint64) error {
	return s.AddDocument(docID, source, seqNo, term, version)
}

// DeleteDocuments marks the given docIds as tombstoned rather than removing
// the rows outright, so a reader opened before the delete still resolves
// seqNo/term/version for CAS purposes until the next commit truly prunes it.
func (s *Store) DeleteDocuments(docIDs []string, seqNo, term, version uint64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE docs SET tombstone=1, seq_no=?, term=?, version=? WHERE doc_id=?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range docIDs {
		if _, err := stmt.Exec(seqNo, term, version, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Commit records a point-in-time commit with the given user-data map
// (local checkpoint, max seqNo, translog UUID/generation, history UUID)
// and prunes tombstoned rows so the live table only ever holds what is
// visible as of this commit.
func (s *Store) Commit(userData types.CommitMetadata) (commitID int64, err error) {
	data, err := json.Marshal(userData)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM docs WHERE tombstone=1`); err != nil {
		return 0, err
	}

	res, err := tx.Exec(`INSERT INTO commits (user_data, created_at_unix_ms) VALUES (?, ?)`, string(data), nowUnixMS())
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Get returns the current row for docID, if any (live or still-tombstoned
// pending the next commit).
func (s *Store) Get(docID string) (source []byte, seqNo, term, version uint64, tombstone bool, found bool, err error) {
	row := s.db.QueryRow(`SELECT source, seq_no, term, version, tombstone FROM docs WHERE doc_id=?`, docID)
	var ts int
	err = row.Scan(&source, &seqNo, &term, &version, &ts)
	if err == sql.ErrNoRows {
		return nil, 0, 0, 0, false, false, nil
	}
	if err != nil {
		return nil, 0, 0, 0, false, false, err
	}
	return source, seqNo, term, version, ts == 1, true, nil
}

// ListCommits returns every retained commit, most recent last.
func (s *Store) ListCommits() ([]types.CommitMetadata, []int64, error) {
	rows, err := s.db.Query(`SELECT commit_id, user_data FROM commits ORDER BY commit_id ASC`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var metas []types.CommitMetadata
	var ids []int64
	for rows.Next() {
		var id int64
		var data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, nil, err
		}
		var m types.CommitMetadata
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, nil, err
		}
		metas = append(metas, m)
		ids = append(ids, id)
	}
	return metas, ids, rows.Err()
}

// DeleteCommit removes a single commit record (its rows were already
// pruned by the Commit call that superseded it).
func (s *Store) DeleteCommit(commitID int64) error {
	_, err := s.db.Exec(`DELETE FROM commits WHERE commit_id=?`, commitID)
	return err
}

// Reader is a point-in-time view over the live docs, copied out of the
// table when opened so later writes do not change what it sees.
type Reader struct {
	docs map[string]docRow
}

type docRow struct {
	source  []byte
	seqNo   uint64
	term    uint64
	version uint64
}

// OpenReader opens a new snapshot reader over the current live rows.
func (s *Store) OpenReader() (*Reader, error) {
	rows, err := s.db.Query(`SELECT doc_id, source, seq_no, term, version FROM docs WHERE tombstone=0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := make(map[string]docRow)
	for rows.Next() {
		var id string
		var r docRow
		if err := rows.Scan(&id, &r.source, &r.seqNo, &r.term, &r.version); err != nil {
			return nil, err
		}
		docs[id] = r
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &Reader{docs: docs}, nil
}

// Reopen releases this reader's snapshot and returns a new Reader over the
// current live rows, used by Engine.Refresh to hand out an up-to-date view.
func (s *Store) Reopen(r *Reader) (*Reader, error) {
	if r != nil {
		r.Close()
	}
	return s.OpenReader()
}

func (r *Reader) Get(docID string) (source []byte, seqNo, term, version uint64, found bool, err error) {
	row, ok := r.docs[docID]
	if !ok {
		return nil, 0, 0, 0, false, nil
	}
	return row.source, row.seqNo, row.term, row.version, true, nil
}

func (r *Reader) Close() error {
	r.docs = nil
	return nil
}

// SnapshotCommit returns a commit's recorded metadata; it holds no pin of
// its own. The underlying rows table has already
// had earlier tombstones pruned at commit time, so "the commit" is fully
// represented by the live table as of that point plus this metadata.
func (s *Store) SnapshotCommit(commitID int64) (types.CommitMetadata, error) {
	row := s.db.QueryRow(`SELECT user_data FROM commits WHERE commit_id=?`, commitID)
	var data string
	if err := row.Scan(&data); err != nil {
		return types.CommitMetadata{}, err
	}
	var m types.CommitMetadata
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return types.CommitMetadata{}, err
	}
	return m, nil
}

// ReleaseSnapshot pairs with SnapshotCommit; this store does not hold extra
// resources per snapshot beyond the commits row itself.
func (s *Store) ReleaseSnapshot(commitID int64) {}

// AllLiveDocIDs returns every non-tombstoned docId, for Phase1 streaming.
func (s *Store) AllLiveDocIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT doc_id FROM docs WHERE tombstone=0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
