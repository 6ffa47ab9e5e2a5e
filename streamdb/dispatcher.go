package streamdb

import (
	"sync"
)

// dispatcher routes decoded StateEvents to the right collection sink, tracks
// which keys have been seen (for upsert promotion), and releases txid
// waiters once their change has been committed.
type dispatcher struct {
	mu     sync.Mutex
	sinks  map[string]collectionSink
	schema *Schema

	knownKeys map[string]map[string]bool // collection -> key -> seen

	waitersMu     sync.Mutex
	waiters       map[string][]chan struct{}
	committedTxID map[string]bool
	pendingErr    error

	batchTxIDs []string
}

func newDispatcher(schema *Schema) *dispatcher {
	return &dispatcher{
		sinks:         make(map[string]collectionSink),
		schema:        schema,
		knownKeys:     make(map[string]map[string]bool),
		waiters:       make(map[string][]chan struct{}),
		committedTxID: make(map[string]bool),
	}
}

func (d *dispatcher) register(sink collectionSink) {
	d.mu.Lock()
	d.sinks[sink.name()] = sink
	d.knownKeys[sink.name()] = make(map[string]bool)
	d.mu.Unlock()
}

// dispatchChange validates ev against its collection's schema (injecting the
// declared primary key into the value), resolves "upsert" into "insert" or
// "update" based on whether the key has already been seen in this
// collection, and stages the validated value.
func (d *dispatcher) dispatchChange(ev ChangeEvent) error {
	d.mu.Lock()
	sink, ok := d.sinks[ev.Type]
	known := d.knownKeys[ev.Type]
	d.mu.Unlock()
	if !ok {
		// Events for a collection outside the declared schema are ignored
		// rather than treated as fatal, so a producer can evolve its schema
		// ahead of a given consumer.
		return nil
	}

	cs, ok := d.schema.Collection(ev.Type)
	if !ok {
		return nil
	}

	validated, err := cs.ValidateIncoming(ev)
	if err != nil {
		return err
	}

	op := ev.Headers.Operation
	d.mu.Lock()
	switch op {
	case OpUpsert:
		if known[ev.Key] {
			op = OpUpdate
		} else {
			op = OpInsert
		}
		known[ev.Key] = true
	case OpInsert, OpUpdate:
		known[ev.Key] = true
	case OpDelete:
		delete(known, ev.Key)
	}
	d.mu.Unlock()

	if ev.Headers.TxID != "" {
		d.mu.Lock()
		d.batchTxIDs = append(d.batchTxIDs, ev.Headers.TxID)
		d.mu.Unlock()
	}
	return sink.stageRaw(op, ev.Key, validated, ev.Headers.TxID)
}

// dispatchControl handles out-of-band control frames.
func (d *dispatcher) dispatchControl(ev ControlEvent) {
	switch ev.Headers.Control {
	case ControlReset:
		d.mu.Lock()
		for _, sink := range d.sinks {
			sink.truncate()
		}
		for name := range d.knownKeys {
			d.knownKeys[name] = make(map[string]bool)
		}
		d.batchTxIDs = nil
		d.mu.Unlock()
	}
	if ev.Headers.TxID != "" {
		d.mu.Lock()
		d.batchTxIDs = append(d.batchTxIDs, ev.Headers.TxID)
		d.mu.Unlock()
	}
}

// commitIfUpToDate applies every staged change across all collections and
// releases any txid waiters for transactions included in this commit. Only
// called once the underlying read session reports up-to-date, so partial
// batches are never visible to readers.
func (d *dispatcher) commitIfUpToDate() {
	d.mu.Lock()
	sinks := make([]collectionSink, 0, len(d.sinks))
	for _, sink := range d.sinks {
		sinks = append(sinks, sink)
	}
	txids := d.batchTxIDs
	d.batchTxIDs = nil
	d.mu.Unlock()

	for _, sink := range sinks {
		sink.commit()
	}

	if len(txids) == 0 {
		return
	}

	d.waitersMu.Lock()
	for _, txid := range txids {
		d.committedTxID[txid] = true
		for _, ch := range d.waiters[txid] {
			close(ch)
		}
		delete(d.waiters, txid)
	}
	d.waitersMu.Unlock()
}

// awaitTxID blocks until txid has been committed, cancel fires, or the
// dispatcher has been rejected (e.g. the session runner terminated).
func (d *dispatcher) awaitTxID(txid string, cancel <-chan struct{}) error {
	d.waitersMu.Lock()
	if d.pendingErr != nil {
		err := d.pendingErr
		d.waitersMu.Unlock()
		return err
	}
	if d.committedTxID[txid] {
		d.waitersMu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	d.waiters[txid] = append(d.waiters[txid], ch)
	d.waitersMu.Unlock()

	select {
	case <-ch:
		d.waitersMu.Lock()
		err := d.pendingErr
		d.waitersMu.Unlock()
		return err
	case <-cancel:
		return nil
	}
}

// rejectAll releases every outstanding txid waiter with err and records it
// so future awaitTxID calls fail fast.
func (d *dispatcher) rejectAll(err error) {
	d.waitersMu.Lock()
	defer d.waitersMu.Unlock()
	if d.pendingErr != nil {
		return
	}
	d.pendingErr = err
	for txid, chans := range d.waiters {
		for _, ch := range chans {
			close(ch)
		}
		delete(d.waiters, txid)
	}
}
