package durablestreams

import "context"

// ValueProvider supplies a header or query-param value computed per request,
// e.g. a rotating auth token or a request counter. Modeled as a capability
// interface (rather than a bare func type) so implementations can hold state
// without a closure capturing mutable variables.
type ValueProvider interface {
	Produce(ctx context.Context) (string, error)
}

// ValueProviderFunc adapts a plain function to a ValueProvider.
type ValueProviderFunc func(ctx context.Context) (string, error)

func (f ValueProviderFunc) Produce(ctx context.Context) (string, error) {
	return f(ctx)
}

// HeaderValue is either a static string or a ValueProvider invoked fresh on
// every request. Params additionally allow being entirely absent, which
// callers express by omitting the key.
type HeaderValue struct {
	static   string
	provider ValueProvider
}

// StaticValue wraps a fixed string.
func StaticValue(v string) HeaderValue {
	return HeaderValue{static: v}
}

// DynamicValue wraps a ValueProvider invoked per request.
func DynamicValue(p ValueProvider) HeaderValue {
	return HeaderValue{provider: p}
}

func (v HeaderValue) resolve(ctx context.Context) (string, error) {
	if v.provider != nil {
		return v.provider.Produce(ctx)
	}
	return v.static, nil
}

// resolveValues evaluates a map of HeaderValue into plain strings, invoking
// every ValueProvider exactly once. One helper serves both headers and
// params since HeaderValue already unifies the static/dynamic distinction.
func resolveValues(ctx context.Context, values map[string]HeaderValue) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	resolved := make(map[string]string, len(values))
	for k, v := range values {
		s, err := v.resolve(ctx)
		if err != nil {
			return nil, wrapError(KindInternalError, "failed to resolve value for "+k, err)
		}
		resolved[k] = s
	}
	return resolved, nil
}

// Patch is returned by an OnError hook to retry a request with merged
// headers/params. The merge is captured on the owning session so later
// fetchNext calls keep using it (e.g. a refreshed auth token persists).
type Patch struct {
	Headers map[string]HeaderValue
	Params  map[string]HeaderValue
}

// OnError is invoked when a request fails. Returning a non-nil Patch retries
// the same request once with the merged headers/params; returning (nil, nil)
// re-raises the original error.
type OnError func(err *Error) (*Patch, error)
