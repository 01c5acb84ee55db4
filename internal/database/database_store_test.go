package database

import (
	"context"
	"errors"
	"testing"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestWrapError(t *testing.T) {
	err := wrapError(mongo.ErrNoDocuments)
	assert.ErrorIs(t, err, mongo.ErrNoDocuments)
	assert.Contains(t, err.Error(), "document does not exist")

	dup := mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: "E11000 duplicate key"}}}
	assert.Contains(t, wrapError(dup).Error(), "unique key conflicts")

	other := errors.New("socket closed")
	err = wrapError(other)
	assert.ErrorIs(t, err, other)
	assert.Contains(t, err.Error(), "database operation failed")
}

func TestDBStoreServesCachedSessions(t *testing.T) {
	ds := newDBStore(nil, nil, Options{})
	data := &session.Data{ClientID: "cached"}
	ds.cache.Add("cached", data)

	got, err := ds.LoadSession(context.Background(), "cached")
	require.NoError(t, err)
	assert.Same(t, data, got)
}

func TestDBStoreRejectsEmptyKeys(t *testing.T) {
	ctx := context.Background()
	ds := newDBStore(nil, nil, Options{})

	_, err := ds.LoadSession(ctx, "")
	assert.ErrorIs(t, err, ErrClientIDEmpty)
	assert.ErrorIs(t, ds.SaveSession(ctx, &session.Data{}), ErrClientIDEmpty)
	assert.ErrorIs(t, ds.DeleteSession(ctx, ""), ErrClientIDEmpty)
	assert.ErrorIs(t, ds.DeleteRetained(ctx, ""), ErrTopicEmpty)
	assert.NoError(t, ds.Invoke(ctx))
}
