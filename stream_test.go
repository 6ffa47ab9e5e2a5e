package durablestreams

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStream_Head(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		w.Header().Set(headerContentType, "application/json")
		w.Header().Set(headerStreamNextOffset, "42")
		w.Header().Set(headerETag, `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient()
	result, err := client.Stream(server.URL).Head(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Offset("42"), result.Offset)
	assert.Equal(t, "application/json", result.ContentType)
	assert.Equal(t, `"abc"`, result.ETag)
}

func TestStream_Head_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient()
	_, err := client.Stream(server.URL).Head(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindNotFound))
}

func TestStream_CreateStream(t *testing.T) {
	var gotTTL string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		gotTTL = r.Header.Get(headerStreamTTL)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := NewClient()
	ttl := int64(3600)
	err := client.Stream(server.URL).CreateStream(context.Background(), CreateStreamOptions{
		ContentType: "application/json",
		TTLSeconds:  &ttl,
	})
	require.NoError(t, err)
	assert.Equal(t, "3600", gotTTL)
}

func TestStream_CreateStream_TTLAndExpiresAtAreMutuallyExclusive(t *testing.T) {
	client := NewClient()
	ttl := int64(10)
	err := client.Stream("http://example.invalid/s").CreateStream(context.Background(), CreateStreamOptions{
		TTLSeconds: &ttl,
		ExpiresAt:  "2030-01-01T00:00:00Z",
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindBadRequest))
}

func TestStream_Append_Direct(t *testing.T) {
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		b, _ := io.ReadAll(r.Body)
		body = b
		w.Header().Set(headerStreamNextOffset, "7")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient()
	result, err := client.Stream(server.URL).Append(context.Background(), map[string]any{"hello": "world"}, AppendOptions{
		ContentType: "application/json",
	})
	require.NoError(t, err)
	assert.Equal(t, Offset("7"), result.NextOffset)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "world", decoded[0]["hello"])
}

func TestStream_Append_MissingNextOffsetIsInternalError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient()
	_, err := client.Stream(server.URL).Append(context.Background(), "x", AppendOptions{ContentType: "text/plain"})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInternalError))
}

func TestStream_Open_ReadAllJSON_StopsAtUpToDate(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set(headerContentType, "application/json")
		switch calls {
		case 1:
			w.Header().Set(headerStreamNextOffset, "1")
			w.Write([]byte(`[{"n":1},{"n":2}]`))
		case 2:
			w.Header().Set(headerStreamNextOffset, "2")
			w.Header().Set(headerStreamUpToDate, "true")
			w.Write([]byte(`[{"n":3}]`))
		default:
			t.Fatalf("unexpected extra request %d", calls)
		}
	}))
	defer server.Close()

	client := NewClient()
	session, err := client.Stream(server.URL).Open(context.Background(), StreamOptions{})
	require.NoError(t, err)
	defer session.Close()

	type item struct {
		N int `json:"n"`
	}
	items, err := ReadAllJSON(session, func(raw json.RawMessage) (item, error) {
		var v item
		err := json.Unmarshal(raw, &v)
		return v, err
	})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, 1, items[0].N)
	assert.Equal(t, 3, items[2].N)
	assert.Equal(t, 2, calls)
}

func TestStream_Open_SSENotSupportedForIncompatibleContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerContentType, "application/octet-stream")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient()
	_, err := client.Stream(server.URL).Open(context.Background(), StreamOptions{Live: LiveModeSSE})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindSSENotSupported))
}

func TestReadSession_SecondConsumptionMethodFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerContentType, "application/json")
		w.Header().Set(headerStreamUpToDate, "true")
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewClient()
	session, err := client.Stream(server.URL).Open(context.Background(), StreamOptions{})
	require.NoError(t, err)
	defer session.Close()

	_, err = ReadAllJSON(session, func(raw json.RawMessage) (json.RawMessage, error) { return raw, nil })
	require.NoError(t, err)

	_, err = session.ReadAllBytes()
	require.Error(t, err)
	assert.True(t, IsKind(err, KindAlreadyConsumed))
}
