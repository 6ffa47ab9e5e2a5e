package durablestreams

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"iter"
	"net/http"
	"sync"
)

// StreamEvent is one event yielded by ReadSession.Events: a payload plus the
// metadata needed to checkpoint (resume) after it.
type StreamEvent struct {
	Data       any
	NextOffset Offset
	UpToDate   bool
	Cursor     string
}

// fetchNextFunc issues the next HTTP request in a read session's
// continuation. It is constructed by Stream.Open and captures the session's
// headers/params (including any patch applied by an OnError hook).
type fetchNextFunc func(ctx context.Context, offset Offset, cursor string) (*http.Response, error)

type readSessionConfig struct {
	initial    *http.Response
	offset     Offset
	live       LiveMode
	isSSE      bool
	meta       responseMetadata
	fetchNext  fetchNextFunc
	ownsClient bool
}

// ReadSession is a one-shot view over a stream's HTTP responses: exactly one
// consumption method (Bytes, Text, JSON, JSONBatches, Events, or any ReadAll*
// variant) may be called. Internally it drives a low-level continuation
// primitive (pull) that issues one HTTP request per offset/cursor advance.
type ReadSession struct {
	mu sync.Mutex

	startOffset Offset
	offset      Offset
	cursor      string
	upToDate    bool
	live        LiveMode
	isSSE       bool
	contentType string

	fetchNext fetchNextFunc

	started     bool
	initialResp *http.Response
	currentResp *http.Response

	consumedBy string
	closed     bool
	closeOnce  sync.Once

	ownsClient bool

	// SSE reordering buffer: data frames observed since the last control
	// frame, emitted once the next control frame supplies their metadata.
	sseBuffer  []DataEvent
	sseLastMeta appliedMeta
}

type appliedMeta struct {
	offset   Offset
	cursor   string
	upToDate bool
}

func newReadSession(cfg readSessionConfig) *ReadSession {
	return &ReadSession{
		startOffset: cfg.offset,
		offset:      cfg.offset,
		live:        cfg.live,
		isSSE:       cfg.isSSE,
		contentType: cfg.meta.contentType,
		fetchNext:   cfg.fetchNext,
		initialResp: cfg.initial,
		ownsClient:  cfg.ownsClient,
		sseLastMeta: appliedMeta{offset: cfg.offset},
	}
}

// Offset returns the current position in the stream.
func (s *ReadSession) Offset() Offset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// UpToDate reports whether the session has most recently observed
// up-to-date = true.
func (s *ReadSession) UpToDate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upToDate
}

// Cursor returns the current CDN-collapsing cursor, if any.
func (s *ReadSession) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *ReadSession) markConsumed(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return newError(KindAlreadyClosed, "session is closed")
	}
	if s.consumedBy != "" {
		return newError(KindAlreadyConsumed, "session already consumed by "+s.consumedBy+"; cannot also call "+method)
	}
	s.consumedBy = method
	return nil
}

func (s *ReadSession) setCurrentResp(resp *http.Response) {
	s.mu.Lock()
	s.currentResp = resp
	s.mu.Unlock()
}

// Close releases the underlying response. It does not close the HTTP client
// or its idle connections, whether or not the session's ownsClient flag is
// set. After Close, the next continuation fails with AlreadyClosed instead of
// issuing a request. Idempotent and safe to call from any goroutine.
func (s *ReadSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		resp := s.currentResp
		if resp == nil {
			resp = s.initialResp
		}
		s.mu.Unlock()
		if resp != nil {
			_ = resp.Body.Close()
		}
	})
	return nil
}

// pullResult describes the outcome of fetching one HTTP response in the
// session's continuation sequence.
type pullResult struct {
	resp    *http.Response
	meta    responseMetadata
	hasBody bool
}

// pull fetches the next response (the already-issued initial one on the
// first call, otherwise via fetchNext) and applies the live-continuation
// policy from §4.C. forceUpToDate204 implements the read-all-only coercion
// of a bare 204 into up_to_date = true.
func (s *ReadSession) pull(ctx context.Context, forceUpToDate204 bool) (*pullResult, bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false, newError(KindAlreadyClosed, "read session is closed")
	}
	first := !s.started
	s.started = true
	offset := s.offset
	cursor := s.cursor
	live := s.live
	s.mu.Unlock()

	var resp *http.Response
	var err error
	if first {
		resp = s.initialResp
	} else {
		resp, err = s.fetchNext(ctx, offset, cursor)
		if err != nil {
			return nil, false, err
		}
	}
	s.setCurrentResp(resp)

	meta := parseResponseMetadata(resp.Header)

	s.mu.Lock()
	if meta.hasOffset {
		s.offset = meta.nextOffset
	}
	if meta.hasCursor {
		s.cursor = meta.cursor
	}
	s.mu.Unlock()

	upToDate := meta.upToDate
	if resp.StatusCode == http.StatusNoContent && forceUpToDate204 {
		upToDate = true
	}
	s.mu.Lock()
	s.upToDate = upToDate
	s.mu.Unlock()

	switch resp.StatusCode {
	case http.StatusOK:
		done := upToDate && (forceUpToDate204 || live == LiveModeNone)
		return &pullResult{resp: resp, meta: meta, hasBody: true}, done, nil
	case http.StatusNoContent:
		resp.Body.Close()
		if forceUpToDate204 {
			return &pullResult{resp: resp, meta: meta, hasBody: false}, true, nil
		}
		if live == LiveModeNone {
			return &pullResult{resp: resp, meta: meta, hasBody: false}, true, nil
		}
		return &pullResult{resp: resp, meta: meta, hasBody: false}, false, nil
	case http.StatusNotModified:
		resp.Body.Close()
		return &pullResult{resp: resp, meta: meta, hasBody: false}, false, nil
	default:
		resp.Body.Close()
		return nil, false, errorFromStatus("read", resp.StatusCode, nil)
	}
}

func readAndFlattenJSON(body []byte) ([]json.RawMessage, error) {
	var probe any
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, wrapError(KindParseError, "failed to parse JSON response body", err)
	}
	if _, ok := probe.([]any); ok {
		var rawArr []json.RawMessage
		if err := json.Unmarshal(body, &rawArr); err != nil {
			return nil, wrapError(KindParseError, "failed to parse JSON array body", err)
		}
		return rawArr, nil
	}
	return []json.RawMessage{json.RawMessage(body)}, nil
}

// Bytes yields raw response bodies in order. Not available in SSE mode.
func (s *ReadSession) Bytes() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if err := s.markConsumed("Bytes"); err != nil {
			yield(nil, err)
			return
		}
		if s.isSSE {
			yield(nil, newError(KindSSEBytesNotSupported, "raw byte iteration is not supported over an SSE stream"))
			return
		}
		ctx := context.Background()
		for {
			pr, done, err := s.pull(ctx, false)
			if err != nil {
				yield(nil, err)
				return
			}
			if pr.hasBody {
				body, rerr := io.ReadAll(pr.resp.Body)
				pr.resp.Body.Close()
				if rerr != nil {
					yield(nil, wrapError(KindNetworkError, "failed to read response body", rerr))
					return
				}
				if !yield(body, nil) {
					return
				}
			}
			if done {
				return
			}
		}
	}
}

// Text yields response bodies decoded as UTF-8 text, one item per HTTP
// response in plain mode or one item per aligned SSE data frame in SSE mode.
func (s *ReadSession) Text() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := s.markConsumed("Text"); err != nil {
			yield("", err)
			return
		}
		ctx := context.Background()

		if s.isSSE {
			s.forEachSSEItem(ctx, false, func(item string, meta appliedMeta, err error) bool {
				return yield(item, err)
			})
			return
		}

		for {
			pr, done, err := s.pull(ctx, false)
			if err != nil {
				yield("", err)
				return
			}
			if pr.hasBody {
				body, rerr := io.ReadAll(pr.resp.Body)
				pr.resp.Body.Close()
				if rerr != nil {
					yield("", wrapError(KindNetworkError, "failed to read response body", rerr))
					return
				}
				var dec utf8Incremental
				text := dec.decode(body) + dec.finish()
				if !yield(text, nil) {
					return
				}
			}
			if done {
				return
			}
		}
	}
}

// JSONItems decodes each flattened JSON item from the session using decode,
// per §4.C operation (3). A generic package-level function since Go methods
// cannot carry their own type parameters.
func JSONItems[T any](s *ReadSession, decode func(json.RawMessage) (T, error)) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		if err := s.markConsumed("JSON"); err != nil {
			yield(zero, err)
			return
		}
		ctx := context.Background()

		emit := func(raw json.RawMessage) bool {
			v, err := decode(raw)
			return yield(v, err)
		}

		if s.isSSE {
			s.forEachSSEItem(ctx, false, func(item string, meta appliedMeta, err error) bool {
				if err != nil {
					return yield(zero, err)
				}
				items, ferr := readAndFlattenJSON([]byte(item))
				if ferr != nil {
					return yield(zero, ferr)
				}
				for _, raw := range items {
					if !emit(raw) {
						return false
					}
				}
				return true
			})
			return
		}

		for {
			pr, done, err := s.pull(ctx, false)
			if err != nil {
				yield(zero, err)
				return
			}
			if pr.hasBody {
				body, rerr := io.ReadAll(pr.resp.Body)
				pr.resp.Body.Close()
				if rerr != nil {
					yield(zero, wrapError(KindNetworkError, "failed to read response body", rerr))
					return
				}
				items, ferr := readAndFlattenJSON(body)
				if ferr != nil {
					yield(zero, ferr)
					return
				}
				for _, raw := range items {
					if !emit(raw) {
						return
					}
				}
			}
			if done {
				return
			}
		}
	}
}

// JSONBatches is like JSONItems but preserves response-boundary grouping
// (operation (4)).
func JSONBatches[T any](s *ReadSession, decode func(json.RawMessage) (T, error)) iter.Seq2[[]T, error] {
	return func(yield func([]T, error) bool) {
		if err := s.markConsumed("JSONBatches"); err != nil {
			yield(nil, err)
			return
		}
		ctx := context.Background()

		decodeBatch := func(items []json.RawMessage) ([]T, error) {
			out := make([]T, 0, len(items))
			for _, raw := range items {
				v, err := decode(raw)
				if err != nil {
					return nil, err
				}
				out = append(out, v)
			}
			return out, nil
		}

		if s.isSSE {
			s.forEachSSEItem(ctx, false, func(item string, meta appliedMeta, err error) bool {
				if err != nil {
					return yield(nil, err)
				}
				items, ferr := readAndFlattenJSON([]byte(item))
				if ferr != nil {
					return yield(nil, ferr)
				}
				batch, derr := decodeBatch(items)
				if derr != nil {
					return yield(nil, derr)
				}
				return yield(batch, nil)
			})
			return
		}

		for {
			pr, done, err := s.pull(ctx, false)
			if err != nil {
				yield(nil, err)
				return
			}
			if pr.hasBody {
				body, rerr := io.ReadAll(pr.resp.Body)
				pr.resp.Body.Close()
				if rerr != nil {
					yield(nil, wrapError(KindNetworkError, "failed to read response body", rerr))
					return
				}
				items, ferr := readAndFlattenJSON(body)
				if ferr != nil {
					yield(nil, ferr)
					return
				}
				batch, derr := decodeBatch(items)
				if derr != nil {
					yield(nil, derr)
					return
				}
				if !yield(batch, nil) {
					return
				}
			}
			if done {
				return
			}
		}
	}
}

// Events yields {Data, NextOffset, UpToDate, Cursor} records (operation 5).
// Data holds the flattened JSON items ([]json.RawMessage) for a JSON stream
// and the raw bytes ([]byte) otherwise.
func (s *ReadSession) Events() iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		if err := s.markConsumed("Events"); err != nil {
			yield(StreamEvent{}, err)
			return
		}
		ctx := context.Background()

		render := func(body []byte) (any, error) {
			if isJSONContentType(s.contentType) {
				items, err := readAndFlattenJSON(body)
				if err != nil {
					return nil, err
				}
				return items, nil
			}
			return body, nil
		}

		if s.isSSE {
			s.forEachSSEItem(ctx, false, func(item string, meta appliedMeta, err error) bool {
				if err != nil {
					return yield(StreamEvent{}, err)
				}
				data, rerr := render([]byte(item))
				if rerr != nil {
					return yield(StreamEvent{}, rerr)
				}
				return yield(StreamEvent{
					Data:       data,
					NextOffset: meta.offset,
					UpToDate:   meta.upToDate,
					Cursor:     meta.cursor,
				}, nil)
			})
			return
		}

		for {
			pr, done, err := s.pull(ctx, false)
			if err != nil {
				yield(StreamEvent{}, err)
				return
			}
			if pr.hasBody {
				body, rerr := io.ReadAll(pr.resp.Body)
				pr.resp.Body.Close()
				if rerr != nil {
					yield(StreamEvent{}, wrapError(KindNetworkError, "failed to read response body", rerr))
					return
				}
				data, derr := render(body)
				if derr != nil {
					yield(StreamEvent{}, derr)
					return
				}
				s.mu.Lock()
				ev := StreamEvent{Data: data, NextOffset: s.offset, UpToDate: s.upToDate, Cursor: s.cursor}
				s.mu.Unlock()
				if !yield(ev, nil) {
					return
				}
			}
			if done {
				return
			}
		}
	}
}

// forEachSSEItem drives the SSE parser across the session's responses,
// applying the reordering rule from §4.C: data frames are buffered until the
// next control frame supplies their offset/cursor/up-to-date metadata. Any
// frames still buffered when the session ends are flushed with the last
// known metadata. cb receives one decoded data-frame string at a time, in
// order, already paired with its resolved metadata.
func (s *ReadSession) forEachSSEItem(ctx context.Context, forceUpToDate204 bool, cb func(item string, meta appliedMeta, err error) bool) {
	parser := NewParser()

	flushBuffered := func(meta appliedMeta) bool {
		s.mu.Lock()
		buffered := s.sseBuffer
		s.sseBuffer = nil
		s.sseLastMeta = meta
		s.mu.Unlock()
		for _, d := range buffered {
			if !cb(d.Data, meta, nil) {
				return false
			}
		}
		return true
	}

	for {
		pr, done, err := s.pull(ctx, forceUpToDate204)
		if err != nil {
			cb("", appliedMeta{}, err)
			return
		}
		if pr.hasBody {
			reader := bufio.NewReaderSize(pr.resp.Body, 4096)
			buf := make([]byte, 4096)
			for {
				n, rerr := reader.Read(buf)
				if n > 0 {
					events, ferr := parser.Feed(buf[:n])
					if ferr != nil {
						pr.resp.Body.Close()
						cb("", appliedMeta{}, ferr)
						return
					}
					if !s.applySSEEvents(events, flushBuffered, cb) {
						pr.resp.Body.Close()
						return
					}
				}
				if rerr != nil {
					break
				}
			}
			tail, ferr := parser.Finish()
			pr.resp.Body.Close()
			if ferr != nil {
				cb("", appliedMeta{}, ferr)
				return
			}
			if !s.applySSEEvents(tail, flushBuffered, cb) {
				return
			}
		}
		if done {
			s.mu.Lock()
			meta := s.sseLastMeta
			remaining := s.sseBuffer
			s.sseBuffer = nil
			s.mu.Unlock()
			for _, d := range remaining {
				if !cb(d.Data, meta, nil) {
					return
				}
			}
			return
		}
	}
}

func (s *ReadSession) applySSEEvents(events []sseEvent, flushBuffered func(appliedMeta) bool, cb func(string, appliedMeta, error) bool) bool {
	for _, ev := range events {
		switch e := ev.(type) {
		case DataEvent:
			s.mu.Lock()
			s.sseBuffer = append(s.sseBuffer, e)
			s.mu.Unlock()
		case ControlEvent:
			cursor := ""
			if e.StreamCursor != nil {
				cursor = *e.StreamCursor
			}
			s.mu.Lock()
			if e.StreamNextOffset != "" {
				s.offset = e.StreamNextOffset
			}
			if cursor != "" {
				s.cursor = cursor
			}
			s.upToDate = e.UpToDate
			meta := appliedMeta{offset: s.offset, cursor: s.cursor, upToDate: s.upToDate}
			s.mu.Unlock()
			if !flushBuffered(meta) {
				return false
			}
		}
	}
	return true
}

// ReadAllBytes reads and concatenates every chunk until the first committed
// up-to-date boundary, regardless of live mode. A bare 204 is coerced into
// up-to-date = true to avoid an unbounded poll.
func (s *ReadSession) ReadAllBytes() ([]byte, error) {
	if err := s.markConsumed("ReadAllBytes"); err != nil {
		return nil, err
	}
	if s.isSSE {
		return nil, newError(KindSSEBytesNotSupported, "raw byte iteration is not supported over an SSE stream")
	}
	ctx := context.Background()
	var out []byte
	for {
		pr, done, err := s.pull(ctx, true)
		if err != nil {
			return nil, err
		}
		if pr.hasBody {
			body, rerr := io.ReadAll(pr.resp.Body)
			pr.resp.Body.Close()
			if rerr != nil {
				return nil, wrapError(KindNetworkError, "failed to read response body", rerr)
			}
			out = append(out, body...)
		}
		if done {
			return out, nil
		}
	}
}

// ReadAllText is like ReadAllBytes but decodes UTF-8; unavailable in SSE mode.
func (s *ReadSession) ReadAllText() (string, error) {
	if err := s.markConsumed("ReadAllText"); err != nil {
		return "", err
	}
	if s.isSSE {
		return "", newError(KindSSEReadAllNotSupported, "ReadAllText is not supported over an SSE stream")
	}
	ctx := context.Background()
	var dec utf8Incremental
	var out []byte
	for {
		pr, done, err := s.pull(ctx, true)
		if err != nil {
			return "", err
		}
		if pr.hasBody {
			body, rerr := io.ReadAll(pr.resp.Body)
			pr.resp.Body.Close()
			if rerr != nil {
				return "", wrapError(KindNetworkError, "failed to read response body", rerr)
			}
			out = append(out, body...)
		}
		if done {
			text := dec.decode(out) + dec.finish()
			return text, nil
		}
	}
}

// ReadAllJSON reads every flattened JSON item until the first committed
// up-to-date boundary; unavailable in SSE mode.
func ReadAllJSON[T any](s *ReadSession, decode func(json.RawMessage) (T, error)) ([]T, error) {
	if err := s.markConsumed("ReadAllJSON"); err != nil {
		return nil, err
	}
	if s.isSSE {
		return nil, newError(KindSSEReadAllNotSupported, "ReadAllJSON is not supported over an SSE stream")
	}
	ctx := context.Background()
	var out []T
	for {
		pr, done, err := s.pull(ctx, true)
		if err != nil {
			return nil, err
		}
		if pr.hasBody {
			body, rerr := io.ReadAll(pr.resp.Body)
			pr.resp.Body.Close()
			if rerr != nil {
				return nil, wrapError(KindNetworkError, "failed to read response body", rerr)
			}
			items, ferr := readAndFlattenJSON(body)
			if ferr != nil {
				return nil, ferr
			}
			for _, raw := range items {
				v, derr := decode(raw)
				if derr != nil {
					return nil, derr
				}
				out = append(out, v)
			}
		}
		if done {
			return out, nil
		}
	}
}

// ReadAllJSONBatches is like ReadAllJSON but preserves response-boundary
// grouping; unavailable in SSE mode.
func ReadAllJSONBatches[T any](s *ReadSession, decode func(json.RawMessage) (T, error)) ([][]T, error) {
	if err := s.markConsumed("ReadAllJSONBatches"); err != nil {
		return nil, err
	}
	if s.isSSE {
		return nil, newError(KindSSEReadAllNotSupported, "ReadAllJSONBatches is not supported over an SSE stream")
	}
	ctx := context.Background()
	var out [][]T
	for {
		pr, done, err := s.pull(ctx, true)
		if err != nil {
			return nil, err
		}
		if pr.hasBody {
			body, rerr := io.ReadAll(pr.resp.Body)
			pr.resp.Body.Close()
			if rerr != nil {
				return nil, wrapError(KindNetworkError, "failed to read response body", rerr)
			}
			items, ferr := readAndFlattenJSON(body)
			if ferr != nil {
				return nil, ferr
			}
			batch := make([]T, 0, len(items))
			for _, raw := range items {
				v, derr := decode(raw)
				if derr != nil {
					return nil, derr
				}
				batch = append(batch, v)
			}
			out = append(out, batch)
		}
		if done {
			return out, nil
		}
	}
}
