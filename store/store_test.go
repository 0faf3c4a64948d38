package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db/memdb"

	"chainbft_finality/randpatypes"
)

func TestLoadLibBeforeSaveIsAbsent(t *testing.T) {
	s := NewStoreWithDB(tmdb.NewDB(), log.NewNopLogger())
	defer s.Close()

	_, ok := s.LoadLib()
	assert.False(t, ok)
}

func TestSaveAndLoadLibRoundTrips(t *testing.T) {
	s := NewStoreWithDB(tmdb.NewDB(), log.NewNopLogger())
	defer s.Close()

	id := randpatypes.BlockIDFromNum(7, []byte("snapshot"))
	require.NoError(t, s.SaveLib(id))

	got, ok := s.LoadLib()
	require.True(t, ok)
	assert.Equal(t, id, got)
}

func TestSaveLibOverwritesPrevious(t *testing.T) {
	s := NewStoreWithDB(tmdb.NewDB(), log.NewNopLogger())
	defer s.Close()

	require.NoError(t, s.SaveLib(randpatypes.BlockIDFromNum(1, nil)))
	require.NoError(t, s.SaveLib(randpatypes.BlockIDFromNum(2, nil)))

	got, ok := s.LoadLib()
	require.True(t, ok)
	assert.Equal(t, randpatypes.BlockIDFromNum(2, nil), got)
}
