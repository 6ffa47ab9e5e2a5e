package durablestreams

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// HeadResult is the result of a HEAD request on a stream.
type HeadResult struct {
	ContentType  string
	Offset       Offset
	ETag         string
	CacheControl string
}

// AppendResult is the result of an append operation.
type AppendResult struct {
	NextOffset Offset
}

// Stream is a handle to one stream URL. Construct one via Client.Stream; no
// network request happens until an operation method is called.
type Stream struct {
	url    string
	client *Client

	headers map[string]HeaderValue
	params  map[string]HeaderValue

	batching *batcher
}

// StreamOption configures per-handle behavior.
type StreamOption func(*Stream)

// WithHeaders attaches static/dynamic headers merged into every request this
// handle makes.
func WithHeaders(h map[string]HeaderValue) StreamOption {
	return func(s *Stream) { s.headers = h }
}

// WithParams attaches static/dynamic query params merged into every request
// this handle makes.
func WithParams(p map[string]HeaderValue) StreamOption {
	return func(s *Stream) { s.params = p }
}

// WithBatching enables the synchronous append batcher (§4.E): concurrent
// Append calls are coalesced into a single leader-elected flush.
func WithBatching() StreamOption {
	return func(s *Stream) { s.batching = newBatcher(s) }
}

// Configure applies StreamOptions to an existing handle (e.g. one obtained
// from Client.Stream) and returns it for chaining.
func (s *Stream) Configure(opts ...StreamOption) *Stream {
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stream) resolvedHeaders(ctx context.Context) (map[string]string, error) {
	return resolveValues(ctx, s.headers)
}

func (s *Stream) resolvedParams(ctx context.Context) (map[string]string, error) {
	return resolveValues(ctx, s.params)
}

func (s *Stream) buildURL(extraParams map[string]string) (string, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return "", wrapError(KindInvalidArgument, "invalid stream URL", err)
	}
	q := u.Query()
	for k, v := range extraParams {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Stream) buildReadURL(offset Offset, live LiveMode, cursor string, dynamicParams map[string]string) (string, error) {
	params := map[string]string{}
	for k, v := range dynamicParams {
		params[k] = v
	}
	params[paramOffset] = string(offset)
	if live == LiveModeLongPoll || live == LiveModeSSE {
		params[paramLive] = string(live)
	}
	if cursor != "" {
		params[paramCursor] = cursor
	}
	return s.buildURL(params)
}

func (s *Stream) newRequest(ctx context.Context, method, fullURL string, body io.Reader, extraHeaders map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, wrapError(KindInternalError, "failed to build request", err)
	}
	dynHeaders, err := s.resolvedHeaders(ctx)
	if err != nil {
		return nil, err
	}
	for k, v := range dynHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}
	return req, nil
}

func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, r)
}

// Head issues a HEAD request and returns the stream's current metadata.
func (s *Stream) Head(ctx context.Context) (*HeadResult, error) {
	fullURL, err := s.buildURL(nil)
	if err != nil {
		return nil, err
	}
	req, err := s.newRequest(ctx, http.MethodHead, fullURL, nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return nil, wrapError(KindNetworkError, "head request failed", err)
	}
	defer resp.Body.Close()
	drain(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, errorFromStatus("head", resp.StatusCode, nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errorFromStatus("head", resp.StatusCode, nil)
	}

	meta := parseResponseMetadata(resp.Header)
	return &HeadResult{
		ContentType:  meta.contentType,
		Offset:       meta.nextOffset,
		ETag:         resp.Header.Get(headerETag),
		CacheControl: resp.Header.Get(headerCacheControl),
	}, nil
}

// CreateStreamOptions configures CreateStream.
type CreateStreamOptions struct {
	ContentType string
	TTLSeconds  *int64
	ExpiresAt   string // RFC 3339; mutually exclusive with TTLSeconds
	Body        []byte
}

// CreateStream issues a PUT to create the stream, idempotently: a second
// call with identical config succeeds (200/204); a call with different
// config fails CONFLICT_EXISTS.
func (s *Stream) CreateStream(ctx context.Context, opts CreateStreamOptions) error {
	if opts.TTLSeconds != nil && opts.ExpiresAt != "" {
		return newError(KindBadRequest, "Stream-TTL and Stream-Expires-At are mutually exclusive")
	}

	fullURL, err := s.buildURL(nil)
	if err != nil {
		return err
	}

	extraHeaders := map[string]string{}
	if opts.ContentType != "" {
		extraHeaders[headerContentType] = opts.ContentType
	}
	if opts.TTLSeconds != nil {
		extraHeaders[headerStreamTTL] = strconv.FormatInt(*opts.TTLSeconds, 10)
	}
	if opts.ExpiresAt != "" {
		extraHeaders[headerStreamExpiresAt] = opts.ExpiresAt
	}

	var body io.Reader
	if len(opts.Body) > 0 {
		body = bytes.NewReader(opts.Body)
	}

	req, rerr := s.newRequest(ctx, http.MethodPut, fullURL, body, extraHeaders)
	if rerr != nil {
		return rerr
	}
	resp, derr := s.client.httpClient.Do(req)
	if derr != nil {
		return wrapError(KindNetworkError, "create stream failed", derr)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return errorFromStatus("create stream", resp.StatusCode, respBody)
}

// Delete issues a DELETE, removing the stream.
func (s *Stream) Delete(ctx context.Context) error {
	fullURL, err := s.buildURL(nil)
	if err != nil {
		return err
	}
	req, rerr := s.newRequest(ctx, http.MethodDelete, fullURL, nil, nil)
	if rerr != nil {
		return rerr
	}
	resp, derr := s.client.httpClient.Do(req)
	if derr != nil {
		return wrapError(KindNetworkError, "delete failed", derr)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK {
		return nil
	}
	return errorFromStatus("delete", resp.StatusCode, body)
}

// AppendOptions configures a single Append call.
type AppendOptions struct {
	ContentType string
	Seq         string // optional, lexicographically ordered
}

// Append sends value as a single record. If batching is enabled
// (WithBatching), the call is coalesced with concurrent Append calls into
// one POST per §4.E; otherwise it issues its own request immediately.
func (s *Stream) Append(ctx context.Context, value any, opts AppendOptions) (*AppendResult, error) {
	if s.batching != nil {
		return s.batching.append(ctx, value, opts)
	}
	return s.appendDirect(ctx, value, opts)
}

func (s *Stream) appendDirect(ctx context.Context, value any, opts AppendOptions) (*AppendResult, error) {
	body, err := encodeAppendBody(value, opts.ContentType)
	if err != nil {
		return nil, err
	}
	return s.postAppend(ctx, body, opts.ContentType, opts.Seq)
}

func (s *Stream) postAppend(ctx context.Context, body []byte, contentType, seq string) (*AppendResult, error) {
	fullURL, uerr := s.buildURL(nil)
	if uerr != nil {
		return nil, uerr
	}

	extraHeaders := map[string]string{}
	if contentType != "" {
		extraHeaders[headerContentType] = contentType
	}
	if seq != "" {
		extraHeaders[headerStreamSeq] = seq
	}

	req, rerr := s.newRequest(ctx, http.MethodPost, fullURL, bytes.NewReader(body), extraHeaders)
	if rerr != nil {
		return nil, rerr
	}
	resp, derr := s.client.httpClient.Do(req)
	if derr != nil {
		return nil, wrapError(KindNetworkError, "append failed", derr)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e := errorFromStatus("append", resp.StatusCode, respBody)
		if resp.StatusCode == http.StatusConflict {
			e.Kind = KindConflictSeq
		}
		return nil, e
	}

	nextOffset := resp.Header.Get(headerStreamNextOffset)
	if nextOffset == "" {
		return nil, newError(KindInternalError, "server omitted Stream-Next-Offset on a successful append")
	}
	return &AppendResult{NextOffset: Offset(nextOffset)}, nil
}

// encodeAppendBody encodes value per §4.D: JSON streams wrap a single value
// as a one-element array; non-JSON streams accept bytes or strings verbatim.
func encodeAppendBody(value any, contentType string) ([]byte, error) {
	if isJSONContentType(contentType) {
		wrapped := []any{value}
		b, err := json.Marshal(wrapped)
		if err != nil {
			return nil, wrapError(KindInvalidArgument, "failed to encode JSON append body", err)
		}
		return b, nil
	}

	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, newError(KindBadRequest, fmt.Sprintf("non-JSON stream requires bytes or string body, got %T", value))
	}
}

// StreamOptions configures a read session constructed by Stream.Open.
type StreamOptions struct {
	Offset  Offset
	Live    LiveMode
	Headers map[string]HeaderValue
	Params  map[string]HeaderValue
	OnError OnError
}

// Open issues the initial GET and constructs a Read session. The name
// avoids colliding with the Stream type itself.
func (s *Stream) Open(ctx context.Context, opts StreamOptions) (*ReadSession, error) {
	if opts.Offset == "" {
		opts.Offset = StartOffset
	}

	headers := mergeValueMaps(s.headers, opts.Headers)
	params := mergeValueMaps(s.params, opts.Params)

	dynHeaders, herr := resolveValues(ctx, headers)
	if herr != nil {
		return nil, herr
	}
	dynParams, perr := resolveValues(ctx, params)
	if perr != nil {
		return nil, perr
	}

	fullURL, uerr := s.buildReadURL(opts.Offset, opts.Live, "", dynParams)
	if uerr != nil {
		return nil, uerr
	}

	resp, err := s.issueRead(ctx, fullURL, dynHeaders)
	if err != nil {
		if opts.OnError != nil {
			if derr, ok := AsError(err); ok {
				patch, perr2 := opts.OnError(derr)
				if perr2 == nil && patch != nil {
					headers = mergeValueMaps(headers, patch.Headers)
					params = mergeValueMaps(params, patch.Params)
					return s.retryOpen(ctx, opts, headers, params)
				}
			}
		}
		return nil, err
	}

	isSSE := opts.Live == LiveModeSSE
	if isSSE && !isSSECompatibleContentType(resp.Header.Get(headerContentType)) {
		drain(resp.Body)
		resp.Body.Close()
		return nil, newError(KindSSENotSupported, "stream content type is not SSE-compatible")
	}

	meta := parseResponseMetadata(resp.Header)

	fetchNext := func(ctx context.Context, offset Offset, cursor string) (*http.Response, error) {
		dh, err := resolveValues(ctx, headers)
		if err != nil {
			return nil, err
		}
		dp, err := resolveValues(ctx, params)
		if err != nil {
			return nil, err
		}
		liveForContinuation := opts.Live
		if liveForContinuation == LiveModeAuto {
			liveForContinuation = LiveModeLongPoll
		}
		u, err := s.buildReadURL(offset, liveForContinuation, cursor, dp)
		if err != nil {
			return nil, err
		}
		r, err := s.issueRead(ctx, u, dh)
		if err != nil && opts.OnError != nil {
			if derr, ok := AsError(err); ok {
				patch, perr2 := opts.OnError(derr)
				if perr2 == nil && patch != nil {
					headers = mergeValueMaps(headers, patch.Headers)
					params = mergeValueMaps(params, patch.Params)
					dh2, _ := resolveValues(ctx, headers)
					dp2, _ := resolveValues(ctx, params)
					u2, uerr2 := s.buildReadURL(offset, liveForContinuation, cursor, dp2)
					if uerr2 != nil {
						return nil, uerr2
					}
					return s.issueRead(ctx, u2, dh2)
				}
			}
		}
		return r, err
	}

	return newReadSession(readSessionConfig{
		initial:      resp,
		offset:       opts.Offset,
		live:         opts.Live,
		isSSE:        isSSE,
		meta:         meta,
		fetchNext:    fetchNext,
		ownsClient:   false,
	}), nil
}

func (s *Stream) retryOpen(ctx context.Context, opts StreamOptions, headers, params map[string]HeaderValue) (*ReadSession, error) {
	newOpts := opts
	newOpts.Headers = headers
	newOpts.Params = params
	newOpts.OnError = nil // avoid infinite retry recursion; one retry only
	return s.Open(ctx, newOpts)
}

func (s *Stream) issueRead(ctx context.Context, fullURL string, extraHeaders map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, wrapError(KindInternalError, "failed to build request", err)
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	resp, derr := s.client.httpClient.Do(req)
	if derr != nil {
		if ctx.Err() != nil {
			return nil, wrapError(KindTimeout, "request cancelled", ctx.Err())
		}
		return nil, wrapError(KindNetworkError, "read request failed", derr)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotModified:
		return resp, nil
	case http.StatusNotFound:
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, errorFromStatus("read", resp.StatusCode, body)
	case http.StatusGone:
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, errorFromStatus("read", resp.StatusCode, body)
	default:
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, errorFromStatus("read", resp.StatusCode, body)
	}
}

func mergeValueMaps(maps ...map[string]HeaderValue) map[string]HeaderValue {
	out := map[string]HeaderValue{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
