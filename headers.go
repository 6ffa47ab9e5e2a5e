package durablestreams

import (
	"net/http"
	"strings"
)

// Protocol header and query-param names.
const (
	headerStreamNextOffset = "Stream-Next-Offset"
	headerStreamCursor     = "Stream-Cursor"
	headerStreamUpToDate   = "Stream-Up-To-Date"
	headerStreamClosed     = "Stream-Closed"
	headerStreamSeq        = "Stream-Seq"
	headerStreamTTL        = "Stream-TTL"
	headerStreamExpiresAt  = "Stream-Expires-At"
	headerStreamSSEEncoded = "Stream-SSE-Data-Encoding"
	headerContentType      = "Content-Type"
	headerETag             = "ETag"
	headerCacheControl     = "Cache-Control"
	headerLocation         = "Location"

	headerProducerID       = "Producer-Id"
	headerProducerEpoch    = "Producer-Epoch"
	headerProducerSeq      = "Producer-Seq"
	headerProducerExpected = "Producer-Expected-Seq"
	headerProducerReceived = "Producer-Received-Seq"

	paramOffset = "offset"
	paramLive   = "live"
	paramCursor = "cursor"

	// StartOffset is the distinguished offset value meaning "from the
	// beginning of the stream".
	StartOffset Offset = "-1"
)

// sseCompatiblePrefixes lists the content-type families SSE mode is allowed
// against; anything else fails SSENotSupported.
var sseCompatiblePrefixes = []string{"text/", "application/json"}

// Offset is an opaque, totally ordered server-issued token. The client never
// parses it.
type Offset string

// LiveMode selects how a read session continues past catch-up.
type LiveMode string

const (
	LiveModeNone     LiveMode = ""           // catch-up only, equivalent to live=false
	LiveModeAuto     LiveMode = "auto"       // no live param initially; every continuation uses long-poll
	LiveModeLongPoll LiveMode = "long-poll"
	LiveModeSSE      LiveMode = "sse"
)

// responseMetadata is the parsed form of the protocol's response headers.
// Fields are zero-valued (not defaulted) when the header was absent.
type responseMetadata struct {
	nextOffset  Offset
	hasOffset   bool
	cursor      string
	hasCursor   bool
	upToDate    bool // presence of Stream-Up-To-Date, not its value
	closed      bool
	contentType string
	sseEncoding string
}

func parseResponseMetadata(h http.Header) responseMetadata {
	var m responseMetadata

	if v := h.Get(headerStreamNextOffset); v != "" {
		m.nextOffset = Offset(v)
		m.hasOffset = true
	}
	if v := h.Get(headerStreamCursor); v != "" {
		m.cursor = v
		m.hasCursor = true
	}
	if _, ok := h[http.CanonicalHeaderKey(headerStreamUpToDate)]; ok {
		m.upToDate = true
	}
	if strings.EqualFold(h.Get(headerStreamClosed), "true") {
		m.closed = true
	}
	m.contentType = h.Get(headerContentType)
	m.sseEncoding = h.Get(headerStreamSSEEncoded)

	return m
}

// normalizeContentType extracts the media type, dropping any ";charset=..."
// parameters, and lower-cases it.
func normalizeContentType(contentType string) string {
	if contentType == "" {
		return ""
	}
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

func isJSONContentType(contentType string) bool {
	return normalizeContentType(contentType) == "application/json"
}

func isSSECompatibleContentType(contentType string) bool {
	normalized := normalizeContentType(contentType)
	if normalized == "" {
		return false
	}
	for _, prefix := range sseCompatiblePrefixes {
		if normalized == prefix || strings.HasPrefix(normalized, prefix) {
			return true
		}
	}
	return false
}
