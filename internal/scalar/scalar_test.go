package scalar

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put(1, []byte(`{"id":1,"vectors":[1.0]}`)))
	got, err := s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, `{"id":1,"vectors":[1.0]}`, string(got))
}

func TestGetAbsent(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Get(42)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutOverwrites(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put(7, []byte("old")))
	require.NoError(t, s.Put(7, []byte("new")))
	got, err := s.Get(7)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestRawNamespace(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.PutRaw("snapshots_max_log_id", "17"))
	got, err := s.GetRaw("snapshots_max_log_id")
	require.NoError(t, err)
	assert.Equal(t, "17", got)
}

func TestRawAbsent(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetRaw("never written")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestNamespacesDoNotCollide(t *testing.T) {
	s := openTestStore(t)

	// Raw keys carry non-digit prefixes; a record id and a raw key
	// can never alias. Writing both sides of the fence proves it.
	require.NoError(t, s.Put(1, []byte("record")))
	require.NoError(t, s.PutRaw("filter_index!snap", "postings"))

	rec, err := s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "record", string(rec))

	raw, err := s.GetRaw("filter_index!snap")
	require.NoError(t, err)
	assert.Equal(t, "postings", raw)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.Put(5, []byte("durable")))
	require.NoError(t, s.Close())

	reopened, err := Open(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(5)
	require.NoError(t, err)
	assert.Equal(t, "durable", string(got))
}
