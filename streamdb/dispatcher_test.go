package streamdb

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usersSchema(t *testing.T) *Schema {
	t.Helper()
	schema, err := CreateStateSchema(CollectionDefinition{Name: "users", KeyField: "id"})
	require.NoError(t, err)
	return schema
}

func TestDispatcher_UpsertPromotesToInsertThenUpdate(t *testing.T) {
	d := newDispatcher(usersSchema(t))
	v := newCollectionView[user]("users")
	d.register(v)
	changesCh, unsubscribe := v.SubscribeChanges(4)
	defer unsubscribe()

	require.NoError(t, d.dispatchChange(ChangeEvent{
		Type:    "users",
		Key:     "u1",
		Value:   json.RawMessage(`{"name":"ada"}`),
		Headers: ChangeHeaders{Operation: OpUpsert, TxID: "tx1"},
	}))
	d.commitIfUpToDate()
	require.Len(t, changesCh, 1)
	assert.Equal(t, OpInsert, (<-changesCh).Operation)

	changes := v.commit() // no-op: already committed above, confirms idempotence
	assert.Empty(t, changes)

	val, ok := v.Get("u1")
	require.True(t, ok)
	assert.Equal(t, "ada", val.Name)

	require.NoError(t, d.dispatchChange(ChangeEvent{
		Type:    "users",
		Key:     "u1",
		Value:   json.RawMessage(`{"name":"ada lovelace"}`),
		Headers: ChangeHeaders{Operation: OpUpsert, TxID: "tx2"},
	}))
	d.commitIfUpToDate()
	require.Len(t, changesCh, 1)
	assert.Equal(t, OpUpdate, (<-changesCh).Operation)

	val, ok = v.Get("u1")
	require.True(t, ok)
	assert.Equal(t, "ada lovelace", val.Name)
}

func TestDispatcher_UnknownCollectionIsIgnoredNotFatal(t *testing.T) {
	d := newDispatcher(usersSchema(t))
	err := d.dispatchChange(ChangeEvent{
		Type:    "ghosts",
		Key:     "x",
		Value:   json.RawMessage(`{}`),
		Headers: ChangeHeaders{Operation: OpInsert},
	})
	assert.NoError(t, err)
}

func TestDispatcher_ControlResetTruncatesAllSinksAndKnownKeys(t *testing.T) {
	d := newDispatcher(usersSchema(t))
	v := newCollectionView[user]("users")
	d.register(v)

	require.NoError(t, d.dispatchChange(ChangeEvent{
		Type:    "users",
		Key:     "u1",
		Value:   json.RawMessage(`{"name":"ada"}`),
		Headers: ChangeHeaders{Operation: OpInsert},
	}))
	d.commitIfUpToDate()
	assert.Equal(t, 1, v.Len())

	d.dispatchControl(ControlEvent{Headers: ControlHeaders{Control: ControlReset}})
	assert.Equal(t, 0, v.Len())

	// A second upsert for the same key after reset must be treated as a fresh
	// insert, not an update, proving knownKeys was cleared too.
	require.NoError(t, d.dispatchChange(ChangeEvent{
		Type:    "users",
		Key:     "u1",
		Value:   json.RawMessage(`{"name":"grace"}`),
		Headers: ChangeHeaders{Operation: OpUpsert, TxID: "tx3"},
	}))

	d.mu.Lock()
	seen := d.knownKeys["users"]["u1"]
	d.mu.Unlock()
	assert.True(t, seen)

	v.stageMu.Lock()
	staged := append([]stagedChange(nil), v.staged...)
	v.stageMu.Unlock()
	require.Len(t, staged, 1)
	assert.Equal(t, OpInsert, staged[0].op)
}

func TestDispatcher_ControlResetClearsPendingTxIDs(t *testing.T) {
	d := newDispatcher(usersSchema(t))
	v := newCollectionView[user]("users")
	d.register(v)

	// tx1 is staged, then a reset arrives mid-batch before the next
	// up-to-date boundary: the change it belonged to is erased, so tx1 must
	// not be resolved as committed either.
	require.NoError(t, d.dispatchChange(ChangeEvent{
		Type:    "users",
		Key:     "u1",
		Value:   json.RawMessage(`{"name":"ada"}`),
		Headers: ChangeHeaders{Operation: OpInsert, TxID: "tx1"},
	}))
	d.dispatchControl(ControlEvent{Headers: ControlHeaders{Control: ControlReset}})
	d.commitIfUpToDate()

	d.waitersMu.Lock()
	committed := d.committedTxID["tx1"]
	d.waitersMu.Unlock()
	assert.False(t, committed)
}

func TestDispatcher_AwaitTxID_ReleasesOnCommit(t *testing.T) {
	d := newDispatcher(usersSchema(t))
	v := newCollectionView[user]("users")
	d.register(v)

	require.NoError(t, d.dispatchChange(ChangeEvent{
		Type:    "users",
		Key:     "u1",
		Value:   json.RawMessage(`{"name":"ada"}`),
		Headers: ChangeHeaders{Operation: OpInsert, TxID: "tx1"},
	}))

	done := make(chan error, 1)
	cancel := make(chan struct{})
	go func() { done <- d.awaitTxID("tx1", cancel) }()

	select {
	case <-done:
		t.Fatal("awaitTxID returned before the commit happened")
	case <-time.After(20 * time.Millisecond):
	}

	d.commitIfUpToDate()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("awaitTxID never returned after commit")
	}
}

func TestDispatcher_RejectAllReleasesWaitersWithError(t *testing.T) {
	d := newDispatcher(usersSchema(t))
	boom := assert.AnError

	done := make(chan error, 1)
	cancel := make(chan struct{})
	go func() { done <- d.awaitTxID("tx-never-comes", cancel) }()

	time.Sleep(10 * time.Millisecond)
	d.rejectAll(boom)

	select {
	case err := <-done:
		assert.Equal(t, boom, err)
	case <-time.After(time.Second):
		t.Fatal("awaitTxID never returned after rejectAll")
	}

	// A subsequent call must fail fast rather than block.
	err := d.awaitTxID("anything", cancel)
	assert.Equal(t, boom, err)
}
