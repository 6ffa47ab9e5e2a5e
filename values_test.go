package durablestreams

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveValues_StaticAndDynamic(t *testing.T) {
	calls := 0
	values := map[string]HeaderValue{
		"Authorization": DynamicValue(ValueProviderFunc(func(ctx context.Context) (string, error) {
			calls++
			return "Bearer token", nil
		})),
		"X-Static": StaticValue("fixed"),
	}

	resolved, err := resolveValues(context.Background(), values)
	require.NoError(t, err)
	assert.Equal(t, "Bearer token", resolved["Authorization"])
	assert.Equal(t, "fixed", resolved["X-Static"])
	assert.Equal(t, 1, calls)
}

func TestResolveValues_PropagatesProviderError(t *testing.T) {
	boom := errors.New("token refresh failed")
	values := map[string]HeaderValue{
		"Authorization": DynamicValue(ValueProviderFunc(func(ctx context.Context) (string, error) {
			return "", boom
		})),
	}

	_, err := resolveValues(context.Background(), values)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInternalError))
}

func TestResolveValues_EmptyMapReturnsNil(t *testing.T) {
	resolved, err := resolveValues(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, resolved)
}
