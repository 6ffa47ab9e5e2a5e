package durablestreams

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// seqKey identifies one (epoch, seq) pair for the 409-reorder rendezvous map.
type seqKey struct {
	epoch int64
	seq   int64
}

type seqState struct {
	done    bool
	err     error
	waiters []chan struct{}
}

type producerRecord struct {
	value       any
	contentType string
	size        int
}

// ProducerOption configures an IdempotentProducer constructed via
// NewIdempotentProducer.
type ProducerOption func(*producerConfig)

type producerConfig struct {
	producerID    string
	epoch         int64
	autoClaim     bool
	maxBatchBytes int
	maxInFlight   int
	lingerMs      int64
	contentType   string
	onError       func(error)
	logger        *zap.Logger
}

// WithProducerID sets a stable producer identity. Defaults to a generated
// UUID (github.com/google/uuid) when omitted.
func WithProducerID(id string) ProducerOption {
	return func(c *producerConfig) { c.producerID = id }
}

// WithEpoch sets the producer's starting epoch. Must be >= 0.
func WithEpoch(epoch int64) ProducerOption {
	return func(c *producerConfig) { c.epoch = epoch }
}

// WithAutoClaim enables automatic epoch-claiming on a 403 stale-epoch
// response (§4.F).
func WithAutoClaim(auto bool) ProducerOption {
	return func(c *producerConfig) { c.autoClaim = auto }
}

// WithMaxBatchBytes sets the cumulative-size trigger for sending a batch.
// Must be > 0.
func WithMaxBatchBytes(n int) ProducerOption {
	return func(c *producerConfig) { c.maxBatchBytes = n }
}

// WithMaxInFlight bounds concurrent in-flight batches. Must be > 0.
func WithMaxInFlight(n int) ProducerOption {
	return func(c *producerConfig) { c.maxInFlight = n }
}

// WithLingerMs sets the linger timer (milliseconds) that flushes a
// non-empty batch even below the size threshold. Must be >= 0.
func WithLingerMs(ms int64) ProducerOption {
	return func(c *producerConfig) { c.lingerMs = ms }
}

// WithProducerContentType sets the stream's content type, controlling
// whether batches are JSON-array-encoded or byte-concatenated.
func WithProducerContentType(contentType string) ProducerOption {
	return func(c *producerConfig) { c.contentType = contentType }
}

// WithProducerOnError installs a callback invoked once per failing batch.
func WithProducerOnError(f func(error)) ProducerOption {
	return func(c *producerConfig) { c.onError = f }
}

// WithProducerLogger attaches a structured logger for batch lifecycle
// diagnostics. Defaults to a no-op logger.
func WithProducerLogger(l *zap.Logger) ProducerOption {
	return func(c *producerConfig) { c.logger = l }
}

// IdempotentProducer provides exactly-once append semantics across retries,
// failover, and zombie producers via client-declared (producer_id, epoch,
// seq) fencing (§4.F).
type IdempotentProducer struct {
	stream *Stream
	logger *zap.Logger

	producerID    string
	autoClaim     bool
	maxBatchBytes int
	maxInFlight   int
	lingerMs      int64
	contentType   string
	onError       func(error)

	mu           sync.Mutex
	epoch        int64
	nextSeq      int64
	epochClaimed bool
	closed       bool

	pending      []producerRecord
	pendingBytes int
	lingerTimer  *time.Timer

	claimMu sync.Mutex // exclusive gate while !epochClaimed && autoClaim
	sem     chan struct{}

	seqMu     sync.Mutex
	seqStates map[seqKey]*seqState

	errMu   sync.Mutex
	errs    []error

	wg sync.WaitGroup
}

// NewIdempotentProducer constructs a producer posting to stream.
func NewIdempotentProducer(stream *Stream, opts ...ProducerOption) (*IdempotentProducer, error) {
	cfg := &producerConfig{
		maxBatchBytes: 256 * 1024,
		maxInFlight:   4,
		lingerMs:      10,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.epoch < 0 {
		return nil, newError(KindInvalidArgument, "epoch must be >= 0")
	}
	if cfg.maxBatchBytes <= 0 {
		return nil, newError(KindInvalidArgument, "maxBatchBytes must be > 0")
	}
	if cfg.maxInFlight <= 0 {
		return nil, newError(KindInvalidArgument, "maxInFlight must be > 0")
	}
	if cfg.lingerMs < 0 {
		return nil, newError(KindInvalidArgument, "lingerMs must be >= 0")
	}

	producerID := cfg.producerID
	if producerID == "" {
		producerID = uuid.NewString()
	}
	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &IdempotentProducer{
		stream:        stream,
		logger:        logger,
		producerID:    producerID,
		autoClaim:     cfg.autoClaim,
		maxBatchBytes: cfg.maxBatchBytes,
		maxInFlight:   cfg.maxInFlight,
		lingerMs:      cfg.lingerMs,
		contentType:   cfg.contentType,
		onError:       cfg.onError,
		epoch:         cfg.epoch,
		sem:           make(chan struct{}, cfg.maxInFlight),
		seqStates:     make(map[seqKey]*seqState),
	}, nil
}

func recordSize(value any) (int, error) {
	switch v := value.(type) {
	case []byte:
		return len(v), nil
	case string:
		return len(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return 0, wrapError(KindInvalidArgument, "failed to size JSON value", err)
		}
		return len(b), nil
	}
}

// Append enqueues body for a future batch and returns immediately
// (fire-and-forget). Per-batch failures surface via the OnError callback and
// are re-raised by the next Flush call.
func (p *IdempotentProducer) Append(body any) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return newError(KindAlreadyClosed, "producer is closed")
	}

	if !isJSONContentType(p.contentType) {
		switch body.(type) {
		case []byte, string:
		default:
			p.mu.Unlock()
			return newError(KindBadRequest, fmt.Sprintf("non-JSON stream requires bytes or string, got %T", body))
		}
	}

	size, err := recordSize(body)
	if err != nil {
		p.mu.Unlock()
		return err
	}

	p.pending = append(p.pending, producerRecord{value: body, contentType: p.contentType, size: size})
	p.pendingBytes += size

	if len(p.pending) == 1 {
		p.lingerTimer = time.AfterFunc(time.Duration(p.lingerMs)*time.Millisecond, p.lingerFired)
	}

	shouldSend := p.pendingBytes >= p.maxBatchBytes
	p.mu.Unlock()

	if shouldSend {
		p.triggerSend()
	}
	return nil
}

func (p *IdempotentProducer) lingerFired() {
	p.triggerSend()
}

func (p *IdempotentProducer) triggerSend() {
	p.mu.Lock()
	if p.lingerTimer != nil {
		p.lingerTimer.Stop()
		p.lingerTimer = nil
	}
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.pending
	p.pending = nil
	p.pendingBytes = 0
	seq := p.nextSeq
	p.nextSeq++
	epoch := p.epoch
	p.mu.Unlock()

	p.wg.Add(1)
	go p.dispatchBatch(batch, epoch, seq)
}

func (p *IdempotentProducer) dispatchBatch(batch []producerRecord, epoch, seq int64) {
	defer p.wg.Done()

	p.mu.Lock()
	claimed := p.epochClaimed
	p.mu.Unlock()

	if p.autoClaim && !claimed {
		p.claimMu.Lock()
		defer p.claimMu.Unlock()
	} else {
		p.sem <- struct{}{}
		defer func() { <-p.sem }()
	}

	p.sendBatch(context.Background(), batch, epoch, seq)
}

func (p *IdempotentProducer) sendBatch(ctx context.Context, batch []producerRecord, epoch, seq int64) {
	p.sendWithRetry(ctx, batch, epoch, seq)
}

func (p *IdempotentProducer) sendWithRetry(ctx context.Context, batch []producerRecord, epoch, seq int64) {
	for {
		status, headers, body, err := p.doSendBatch(ctx, batch, epoch, seq)
		if err != nil {
			p.fail(epoch, seq, wrapError(KindNetworkError, "producer batch send failed", err))
			return
		}

		switch status {
		case 200, 204:
			p.mu.Lock()
			if p.autoClaim && !p.epochClaimed {
				p.epochClaimed = true
			}
			p.mu.Unlock()
			p.signalSeqComplete(epoch, seq, nil)
			return

		case 400:
			p.fail(epoch, seq, errorFromStatus("idempotent append", status, body))
			return

		case 403:
			serverEpoch := parseInt64(headers.Get(headerProducerEpoch))
			if p.autoClaim {
				newEpoch := serverEpoch + 1
				p.mu.Lock()
				p.epoch = newEpoch
				p.nextSeq = 1
				p.epochClaimed = false
				p.mu.Unlock()
				epoch = newEpoch
				seq = 0
				continue
			}
			p.fail(epoch, seq, &Error{Kind: KindStaleEpoch, Message: "producer epoch is stale", Status: status})
			return

		case 409:
			expected := parseInt64(headers.Get(headerProducerExpected))
			if expected < seq {
				p.awaitSeqRange(ctx, epoch, expected, seq)
				continue
			}
			p.fail(epoch, seq, &Error{Kind: KindSequenceGap, Message: "producer sequence gap", Status: status})
			return

		default:
			p.fail(epoch, seq, errorFromStatus("idempotent append", status, body))
			return
		}
	}
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func (p *IdempotentProducer) fail(epoch, seq int64, err error) {
	p.recordErr(err)
	if p.onError != nil {
		p.onError(err)
	}
	p.signalSeqComplete(epoch, seq, err)
}

func (p *IdempotentProducer) recordErr(err error) {
	p.errMu.Lock()
	p.errs = append(p.errs, err)
	p.errMu.Unlock()
}

func (p *IdempotentProducer) doSendBatch(ctx context.Context, batch []producerRecord, epoch, seq int64) (status int, headers http.Header, body []byte, err error) {
	contentType := p.contentType

	var payload []byte
	if isJSONContentType(contentType) {
		vals := make([]any, len(batch))
		for i, v := range batch {
			vals[i] = v.value
		}
		payload, err = json.Marshal(vals)
		if err != nil {
			return 0, nil, nil, wrapError(KindInvalidArgument, "failed to encode batch", err)
		}
	} else {
		var buf bytes.Buffer
		for _, v := range batch {
			switch x := v.value.(type) {
			case []byte:
				buf.Write(x)
			case string:
				buf.WriteString(x)
			}
		}
		payload = buf.Bytes()
	}

	fullURL, uerr := p.stream.buildURL(nil)
	if uerr != nil {
		return 0, nil, nil, uerr
	}

	extraHeaders := map[string]string{
		headerProducerID:    p.producerID,
		headerProducerEpoch: strconv.FormatInt(epoch, 10),
		headerProducerSeq:   strconv.FormatInt(seq, 10),
	}
	if contentType != "" {
		extraHeaders[headerContentType] = contentType
	}

	req, rerr := p.stream.newRequest(ctx, http.MethodPost, fullURL, bytes.NewReader(payload), extraHeaders)
	if rerr != nil {
		return 0, nil, nil, rerr
	}
	resp, derr := p.stream.client.httpClient.Do(req)
	if derr != nil {
		return 0, nil, nil, derr
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, resp.Header, respBody, nil
}

func (p *IdempotentProducer) signalSeqComplete(epoch, seq int64, err error) {
	key := seqKey{epoch: epoch, seq: seq}

	p.seqMu.Lock()
	st, ok := p.seqStates[key]
	if !ok {
		st = &seqState{}
		p.seqStates[key] = st
	}
	st.done = true
	st.err = err
	waiters := st.waiters
	st.waiters = nil
	p.seqMu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}

	p.pruneSeqStates(epoch)
}

func (p *IdempotentProducer) pruneSeqStates(epoch int64) {
	p.mu.Lock()
	low := p.nextSeq - int64(3*p.maxInFlight)
	p.mu.Unlock()
	if low <= 0 {
		return
	}

	p.seqMu.Lock()
	for k := range p.seqStates {
		if k.epoch == epoch && k.seq < low {
			delete(p.seqStates, k)
		}
	}
	p.seqMu.Unlock()
}

func (p *IdempotentProducer) waitForSeq(ctx context.Context, epoch, seq int64) {
	key := seqKey{epoch: epoch, seq: seq}

	p.seqMu.Lock()
	st, ok := p.seqStates[key]
	if !ok {
		st = &seqState{}
		p.seqStates[key] = st
	}
	if st.done {
		p.seqMu.Unlock()
		return
	}
	ch := make(chan struct{})
	st.waiters = append(st.waiters, ch)
	p.seqMu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
	}
}

func (p *IdempotentProducer) awaitSeqRange(ctx context.Context, epoch, from, to int64) {
	for s := from; s < to; s++ {
		p.waitForSeq(ctx, epoch, s)
	}
}

// Flush sends any pending (un-batched) records now and waits for every
// in-flight batch to complete, then returns the first error observed since
// the previous Flush (or nil).
func (p *IdempotentProducer) Flush(ctx context.Context) error {
	p.triggerSend()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return wrapError(KindTimeout, "flush cancelled", ctx.Err())
	}

	p.errMu.Lock()
	errs := p.errs
	p.errs = nil
	p.errMu.Unlock()

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Close flushes pending records and rejects any further Append calls.
func (p *IdempotentProducer) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	return p.Flush(ctx)
}

// Restart flushes pending work, then bumps the epoch and resets the
// sequence counter, establishing a new fencing generation without server
// coordination.
func (p *IdempotentProducer) Restart(ctx context.Context) error {
	if err := p.Flush(ctx); err != nil {
		p.logger.Warn("restart: flush before epoch bump returned an error", zap.Error(err))
	}

	p.mu.Lock()
	p.epoch++
	p.nextSeq = 0
	p.epochClaimed = false
	p.mu.Unlock()
	return nil
}
