// Package store persists the finality gadget's restart-durable state: the
// last-irreversible-block snapshot and nothing else, continuing
// store/kv_store.go's leveldb wiring (repurposed from SmallBank ledger
// tables to finality-gadget bookkeeping — this core never persists votes
// or rounds, which are explicitly non-durable per spec §3).
package store

import (
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"
	leveldb "github.com/tendermint/tm-db/goleveldb"

	"chainbft_finality/randpatypes"
)

var keyLib = []byte("randpa/lib")

// Store is the finality gadget's durable state. Only the LIB snapshot
// survives a restart; the tree, dedup caches and active round are rebuilt
// from the chain's own event stream as it replays forward.
type Store struct {
	db     tmdb.DB
	logger log.Logger
}

// NewStore opens (creating if absent) a leveldb-backed store at dir/name.
func NewStore(name, dir string, logger log.Logger) (*Store, error) {
	db, err := leveldb.NewDB(name, dir)
	if err != nil {
		return nil, errors.Wrap(err, "store: open leveldb")
	}
	return NewStoreWithDB(db, logger), nil
}

// NewStoreWithDB wraps an already-open tm-db handle, mainly so tests can
// pass an in-memory DB.
func NewStoreWithDB(db tmdb.DB, logger log.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// SaveLib persists the current last-irreversible block id so a restarted
// node can seed its tree root without replaying from genesis.
func (s *Store) SaveLib(id randpatypes.BlockID) error {
	if err := s.db.Set(keyLib, id.Bytes()); err != nil {
		return errors.Wrap(err, "store: save lib")
	}
	return nil
}

// LoadLib returns the persisted LIB, or (zero, false) if nothing has been
// saved yet (fresh node).
func (s *Store) LoadLib() (randpatypes.BlockID, bool) {
	bz, err := s.db.Get(keyLib)
	if err != nil || bz == nil {
		return randpatypes.ZeroBlockID, false
	}
	var id randpatypes.BlockID
	copy(id[:], bz)
	return id, true
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
