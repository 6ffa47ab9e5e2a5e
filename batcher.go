package durablestreams

import (
	"context"
	"encoding/json"
	"sync"
)

// pendingAppend is one queued record awaiting the next flush.
type pendingAppend struct {
	value       any
	seq         string
	contentType string
	done        chan appendResult
}

type appendResult struct {
	result *AppendResult
	err    error
}

// batcher implements the leader-election append coalescing described in
// §4.E: the first caller to observe an idle batcher becomes the leader and
// drains the queue in an iterative loop; everyone else blocks on their own
// completion channel.
type batcher struct {
	stream *Stream

	mu       sync.Mutex
	pending  []*pendingAppend
	inFlight bool
}

func newBatcher(s *Stream) *batcher {
	return &batcher{stream: s}
}

func (b *batcher) append(ctx context.Context, value any, opts AppendOptions) (*AppendResult, error) {
	entry := &pendingAppend{
		value:       value,
		seq:         opts.Seq,
		contentType: opts.ContentType,
		done:        make(chan appendResult, 1),
	}

	b.mu.Lock()
	b.pending = append(b.pending, entry)
	becameLeader := !b.inFlight
	if becameLeader {
		b.inFlight = true
	}
	b.mu.Unlock()

	if becameLeader {
		b.runFlushLoop(ctx)
	}

	select {
	case r := <-entry.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, wrapError(KindTimeout, "append cancelled while waiting for batch", ctx.Err())
	}
}

// runFlushLoop drains the pending queue under the mutex, releases it, sends
// one POST per drained batch, and repeats until the queue is empty. Uses a
// for loop (not recursion) so a continuously-fed handle cannot blow the
// stack.
func (b *batcher) runFlushLoop(ctx context.Context) {
	for {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.inFlight = false
			b.mu.Unlock()
			return
		}
		batch := b.pending
		b.pending = nil
		b.mu.Unlock()

		result, err := b.sendBatch(ctx, batch)
		for _, entry := range batch {
			if err != nil {
				entry.done <- appendResult{err: err}
			} else {
				entry.done <- appendResult{result: result}
			}
		}
	}
}

// sendBatch concatenates the batch's payloads into one body and sends it.
// The effective Stream-Seq is the last non-empty seq in the batch, found by
// scanning in reverse rather than tracking a forward max-seen value.
func (b *batcher) sendBatch(ctx context.Context, batch []*pendingAppend) (*AppendResult, error) {
	contentType := ""
	for _, e := range batch {
		if e.contentType != "" {
			contentType = e.contentType
			break
		}
	}

	effectiveSeq := ""
	for i := len(batch) - 1; i >= 0; i-- {
		if batch[i].seq != "" {
			effectiveSeq = batch[i].seq
			break
		}
	}

	body, err := buildBatchBody(batch, contentType)
	if err != nil {
		return nil, err
	}

	return b.stream.postAppend(ctx, body, contentType, effectiveSeq)
}

func buildBatchBody(batch []*pendingAppend, contentType string) ([]byte, error) {
	if isJSONContentType(contentType) {
		values := make([]any, len(batch))
		for i, e := range batch {
			values[i] = e.value
		}
		b, err := json.Marshal(values)
		if err != nil {
			return nil, wrapError(KindInvalidArgument, "failed to encode batch JSON body", err)
		}
		return b, nil
	}

	if len(batch) == 0 {
		return nil, newError(KindInvalidArgument, "cannot send an empty batch")
	}

	var buf []byte
	for _, e := range batch {
		switch v := e.value.(type) {
		case []byte:
			buf = append(buf, v...)
		case string:
			buf = append(buf, []byte(v)...)
		default:
			return nil, newError(KindBadRequest, "non-JSON stream requires bytes or string append values")
		}
	}
	return buf, nil
}
