package pathoram

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/utahoram/pathoram/errs"
)

// stashStore persists the stash's records to a local SQLite database so a
// session can be resumed after a crash without losing the blocks it has
// pulled off the untrusted device but not yet written back. Modeled on
// persistent/oblivious_storage.go's localOblivious, whose "stash" table is
// schema-identical in spirit (id, payload columns); here the leaf is stored
// too since these stash records carry their own current position rather
// than looking it up from a separate table.
type stashStore struct {
	db *sql.DB
}

func newStashStore(db *sql.DB) (*stashStore, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS stash (
		id INTEGER PRIMARY KEY,
		leaf INTEGER NOT NULL,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	return &stashStore{db: db}, nil
}

func (s *stashStore) Load() (*stash, error) {
	rows, err := s.db.Query(`SELECT id, leaf, payload FROM stash`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	defer rows.Close()

	st := newStash()
	for rows.Next() {
		var id, leaf int64
		var payload []byte
		if err := rows.Scan(&id, &leaf, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
		}
		st.Put(id, uint64(leaf), payload)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	return st, nil
}

func (s *stashStore) Put(id int64, leaf uint64, payload []byte) error {
	if _, err := s.db.Exec(`INSERT INTO stash (id, leaf, payload) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET leaf = excluded.leaf, payload = excluded.payload`,
		id, int64(leaf), payload); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	return nil
}

func (s *stashStore) Delete(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM stash WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	return nil
}
