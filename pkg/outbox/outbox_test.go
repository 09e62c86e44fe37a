package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	recs []Record
	sent map[int64]bool
}

func (m *memStore) FetchPending(_ context.Context, limit int) ([]Record, error) {
	var out []Record
	for _, r := range m.recs {
		if !m.sent[r.ID] && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) MarkSent(_ context.Context, id int64) error {
	m.sent[id] = true
	return nil
}

func TestRelayFlushPublishesInOrder(t *testing.T) {
	store := &memStore{recs: []Record{{ID: 1, Key: "a"}, {ID: 2, Key: "a"}, {ID: 3, Key: "b"}}, sent: map[int64]bool{}}
	var got []int64
	r := &Relay{Store: store, Batch: 10, Publish: func(_ context.Context, rec Record) error {
		got = append(got, rec.ID)
		return nil
	}}

	n, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int64{1, 2, 3}, got)

	n, err = r.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelayFlushStopsOnPublishError(t *testing.T) {
	store := &memStore{recs: []Record{{ID: 1}, {ID: 2}}, sent: map[int64]bool{}}
	boom := errors.New("broker down")
	r := &Relay{Store: store, Publish: func(_ context.Context, rec Record) error {
		if rec.ID == 2 {
			return boom
		}
		return nil
	}}

	n, err := r.Flush(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)
	assert.True(t, store.sent[1])
	assert.False(t, store.sent[2])
}
