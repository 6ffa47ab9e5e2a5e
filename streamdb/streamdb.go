package streamdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	ds "github.com/durable-streams/durable-streams"
	"go.uber.org/zap"
)

// Option configures a StreamDB constructed by New.
type Option func(*config)

type config struct {
	offset ds.Offset
	logger *zap.Logger
}

// WithOffset resumes the background reader from a previously checkpointed
// offset instead of the beginning of the stream.
func WithOffset(offset ds.Offset) Option {
	return func(c *config) { c.offset = offset }
}

// WithLogger attaches a structured logger for dispatch-loop diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

// StreamDB materializes a durable stream's change/control events into one or
// more named, queryable CollectionViews, kept current by a single background
// reader goroutine.
type StreamDB struct {
	stream     *ds.Stream
	schema     *Schema
	dispatcher *dispatcher
	logger     *zap.Logger
	offset     ds.Offset

	mu       sync.Mutex
	views    map[string]any
	session  *ds.ReadSession
	started  bool
	running  bool
	closed   bool
	runErr   error
	doneCh   chan struct{}

	preloadOnce sync.Once
	preloadCh   chan struct{}
}

// New constructs a StreamDB over stream, validated against schema. Call
// Register for every collection schema declares, then Start (or Preload, if
// the collections only need reading once caught up).
func New(stream *ds.Stream, schema *Schema, opts ...Option) *StreamDB {
	cfg := &config{offset: ds.StartOffset}
	for _, opt := range opts {
		opt(cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamDB{
		stream:     stream,
		schema:     schema,
		dispatcher: newDispatcher(schema),
		logger:     logger,
		offset:     cfg.offset,
		views:      make(map[string]any),
		preloadCh:  make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Register declares collection name as holding values of type T and returns
// its CollectionView. Must be called before Start/Preload; calling it after
// Start, twice for the same name, or for a name the schema does not declare
// returns an error.
func Register[T any](db *StreamDB, name string) (*CollectionView[T], error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.started {
		return nil, fmt.Errorf("streamdb: cannot register collection %q after Start", name)
	}
	if _, ok := db.schema.Collection(name); !ok {
		return nil, fmt.Errorf("streamdb: collection %q is not declared in the schema", name)
	}
	if _, exists := db.views[name]; exists {
		return nil, fmt.Errorf("streamdb: collection %q already registered", name)
	}

	view := newCollectionView[T](name)
	db.views[name] = view
	db.dispatcher.register(view)
	return view, nil
}

// Collection retrieves a previously Register'd collection view. Returns an
// error if name was never registered, or registered with a different type.
func Collection[T any](db *StreamDB, name string) (*CollectionView[T], error) {
	db.mu.Lock()
	raw, ok := db.views[name]
	db.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("streamdb: collection %q was never registered", name)
	}
	view, ok := raw.(*CollectionView[T])
	if !ok {
		return nil, fmt.Errorf("streamdb: collection %q was registered with a different element type", name)
	}
	return view, nil
}

// Start opens the stream in auto-live mode and begins materializing events
// in a background goroutine. ctx bounds the goroutine's lifetime; cancelling
// it closes the underlying read session.
func (db *StreamDB) Start(ctx context.Context) error {
	db.mu.Lock()
	if db.started {
		db.mu.Unlock()
		return nil
	}
	db.started = true
	db.mu.Unlock()

	session, err := db.stream.Open(ctx, ds.StreamOptions{
		Offset: db.offset,
		Live:   ds.LiveModeAuto,
	})
	if err != nil {
		return fmt.Errorf("streamdb: failed to open stream: %w", err)
	}

	db.mu.Lock()
	db.session = session
	db.running = true
	db.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = session.Close()
	}()

	go db.runLoop(session)
	return nil
}

func (db *StreamDB) runLoop(session *ds.ReadSession) {
	defer close(db.doneCh)
	defer session.Close()

	for ev, err := range session.Events() {
		if err != nil {
			db.mu.Lock()
			db.runErr = err
			db.mu.Unlock()
			db.dispatcher.rejectAll(err)
			db.signalPreloaded()
			return
		}

		items, _ := ev.Data.([]json.RawMessage)
		for _, raw := range items {
			sev, perr := ParseStateEvent(raw)
			if perr != nil {
				db.logger.Warn("streamdb: failed to parse state event", zap.Error(perr))
				continue
			}
			switch e := sev.(type) {
			case ChangeEvent:
				if derr := db.dispatcher.dispatchChange(e); derr != nil {
					// A malformed change event aborts the session and rejects
					// every pending txid waiter rather than attempting
					// partial recovery, since the dispatcher's knownKeys and
					// staged-change bookkeeping may already be inconsistent.
					db.mu.Lock()
					db.runErr = derr
					db.mu.Unlock()
					db.dispatcher.rejectAll(derr)
					db.signalPreloaded()
					return
				}
			case ControlEvent:
				db.dispatcher.dispatchControl(e)
			}
		}

		if ev.UpToDate {
			db.dispatcher.commitIfUpToDate()
			db.signalPreloaded()
		}
	}
}

func (db *StreamDB) signalPreloaded() {
	db.preloadOnce.Do(func() { close(db.preloadCh) })
}

// Preload starts the background reader if not already running and blocks
// until the stream has been caught up to its first up-to-date boundary (an
// empty stream resolves immediately, since up-to-date is reached with no
// events materialized).
func (db *StreamDB) Preload(ctx context.Context) error {
	if err := db.Start(ctx); err != nil {
		return err
	}
	select {
	case <-db.preloadCh:
		db.mu.Lock()
		err := db.runErr
		db.mu.Unlock()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitTxID blocks until the change carrying txid has been committed and is
// visible to readers, or ctx is cancelled.
func (db *StreamDB) AwaitTxID(ctx context.Context, txid string) error {
	return db.dispatcher.awaitTxID(txid, ctx.Done())
}

// Close stops the background reader and releases the underlying read
// session. Safe to call multiple times.
func (db *StreamDB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	session := db.session
	running := db.running
	db.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}
	if running {
		<-db.doneCh
	}
	return db.runErr
}
