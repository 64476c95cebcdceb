package pathoram

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	_ "modernc.org/sqlite"

	"github.com/utahoram/pathoram/errs"
)

// positionMap is the client-side mapping from logical block id to the leaf
// bucket it's currently homed at. It is never written to the untrusted
// device; it is sensitive client state exactly like the stash.
type positionMap interface {
	Get(id int64) (leaf uint64, ok bool, err error)
	Set(id int64, leaf uint64) error
	Close() error
}

// memoryPositionMap is the in-memory implementation used when M is small
// enough that O(M) words comfortably fits in RAM, the common case for a
// Path ORAM client.
type memoryPositionMap struct {
	mu sync.Mutex
	m  map[int64]uint64
}

func newMemoryPositionMap(m int64) *memoryPositionMap {
	return &memoryPositionMap{m: make(map[int64]uint64, m)}
}

func (p *memoryPositionMap) Get(id int64) (uint64, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	leaf, ok := p.m[id]
	return leaf, ok, nil
}

func (p *memoryPositionMap) Set(id int64, leaf uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[id] = leaf
	return nil
}

func (p *memoryPositionMap) Close() error { return nil }

// sqlitePositionMap backs the position map with a local SQLite database,
// fronted by an LRU cache, for M too large to comfortably hold in memory.
// Modeled on persistent/oblivious_storage.go's localOblivious (database/sql
// plus a sqlite driver, one table per piece of client state) and
// disk_cache.go's approach to bounding memory in front of a slower local
// store. Uses the pure-Go modernc.org/sqlite driver rather than a
// cgo-based one, avoiding a cgo build requirement for this package.
type sqlitePositionMap struct {
	db    *sql.DB
	cache *lru.Cache
}

// newSQLitePositionMap opens (creating if needed) a position-map table in
// the sqlite database at path, fronted by an LRU cache holding cacheSize
// entries.
func newSQLitePositionMap(path string, cacheSize int) (*sqlitePositionMap, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	p, err := newSQLitePositionMapFromDB(db, cacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// newSQLitePositionMapFromDB builds a position map on a database handle the
// caller already opened — used when the position map shares a local state
// database with the stash, so Engine owns a single *sql.DB to close.
func newSQLitePositionMapFromDB(db *sql.DB, cacheSize int) (*sqlitePositionMap, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS position (id INTEGER PRIMARY KEY, leaf INTEGER NOT NULL)`); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
	}
	return &sqlitePositionMap{db: db, cache: cache}, nil
}

func (p *sqlitePositionMap) Get(id int64) (uint64, bool, error) {
	if v, ok := p.cache.Get(id); ok {
		return v.(uint64), true, nil
	}
	var leaf int64
	err := p.db.QueryRow(`SELECT leaf FROM position WHERE id = ?`, id).Scan(&leaf)
	if err == sql.ErrNoRows {
		return 0, false, nil
	} else if err != nil {
		return 0, false, fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	p.cache.Add(id, uint64(leaf))
	return uint64(leaf), true, nil
}

func (p *sqlitePositionMap) Set(id int64, leaf uint64) error {
	if _, err := p.db.Exec(`INSERT INTO position (id, leaf) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET leaf = excluded.leaf`, id, int64(leaf)); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrBackendIO, err)
	}
	p.cache.Add(id, leaf)
	return nil
}

func (p *sqlitePositionMap) Close() error { return p.db.Close() }

// encodePositionMap serializes every entry of a memoryPositionMap as
// id:8 bytes BE || leaf:8 bytes BE, for callers that choose to persist the
// whole position map inside the device header instead of a local database.
func encodePositionMap(p *memoryPositionMap) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, 0, 16*len(p.m))
	buf := make([]byte, 16)
	for id, leaf := range p.m {
		binary.BigEndian.PutUint64(buf[0:8], uint64(id))
		binary.BigEndian.PutUint64(buf[8:16], leaf)
		out = append(out, buf...)
	}
	return out
}

func decodePositionMap(raw []byte) (*memoryPositionMap, error) {
	if len(raw)%16 != 0 {
		return nil, fmt.Errorf("%w: serialized position map has length %d, not a multiple of 16", errs.ErrIntegrityViolation, len(raw))
	}
	p := newMemoryPositionMap(int64(len(raw) / 16))
	for off := 0; off < len(raw); off += 16 {
		id := int64(binary.BigEndian.Uint64(raw[off : off+8]))
		leaf := binary.BigEndian.Uint64(raw[off+8 : off+16])
		p.m[id] = leaf
	}
	return p, nil
}
