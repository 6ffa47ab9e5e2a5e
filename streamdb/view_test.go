package streamdb

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type user struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func TestCollectionView_StageCommitTruncate(t *testing.T) {
	v := newCollectionView[user]("users")

	ch, unsubscribe := v.SubscribeChanges(4)
	defer unsubscribe()

	require.NoError(t, v.stageRaw(OpInsert, "u1", json.RawMessage(`{"id":"u1","name":"ada"}`), "tx1"))
	require.NoError(t, v.stageRaw(OpInsert, "u2", json.RawMessage(`{"id":"u2","name":"grace"}`), "tx1"))
	changes := v.commit()
	require.Len(t, changes, 2)
	assert.Equal(t, 2, v.Len())

	val, ok := v.Get("u1")
	require.True(t, ok)
	assert.Equal(t, "ada", val.Name)

	select {
	case c := <-ch:
		assert.Equal(t, "users", c.Collection)
	default:
		t.Fatal("expected a broadcast change on commit")
	}

	require.NoError(t, v.stageRaw(OpDelete, "u1", nil, "tx2"))
	deleted := v.commit()
	require.Len(t, deleted, 1)
	assert.JSONEq(t, `{"id":"u1","name":"ada"}`, string(deleted[0].PreviousValue))
	_, ok = v.Get("u1")
	assert.False(t, ok)
	assert.Equal(t, 1, v.Len())

	v.truncate()
	assert.Equal(t, 0, v.Len())
}

func TestCollectionView_CommitSkipsUndecodableValue(t *testing.T) {
	v := newCollectionView[user]("users")
	require.NoError(t, v.stageRaw(OpInsert, "bad", json.RawMessage(`not json`), ""))
	changes := v.commit()
	assert.Len(t, changes, 1) // the change event is still reported...
	_, ok := v.Get("bad")
	assert.False(t, ok) // ...but the key was never actually written.
}

func TestCollectionView_SubscribeChangesUnsubscribeClosesChannel(t *testing.T) {
	v := newCollectionView[user]("users")
	ch, unsubscribe := v.SubscribeChanges(1)
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
}

func TestCollectionView_Items_IsASnapshotCopy(t *testing.T) {
	v := newCollectionView[user]("users")
	require.NoError(t, v.stageRaw(OpInsert, "u1", json.RawMessage(`{"id":"u1","name":"ada"}`), ""))
	v.commit()

	snapshot := v.Items()
	snapshot["u1"] = user{ID: "u1", Name: "mutated"}

	val, _ := v.Get("u1")
	assert.Equal(t, "ada", val.Name)
}
