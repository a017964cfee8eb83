package dispatch

import "net/http"

// Middleware wraps an http.RoundTripper.
type Middleware func(http.RoundTripper) http.RoundTripper

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// chain applies mws so the first one is outermost.
func chain(rt http.RoundTripper, mws ...Middleware) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	for i := len(mws) - 1; i >= 0; i-- {
		rt = mws[i](rt)
	}
	return rt
}

// setHeader clones the request before setting key so callers' requests stay untouched.
func setHeader(key, value string) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		if key == "" || value == "" {
			return next
		}
		return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			r2 := r.Clone(r.Context())
			r2.Header.Set(key, value)
			return next.RoundTrip(r2)
		})
	}
}

// BearerAuth sets the service token on every outbound request.
func BearerAuth(token string) Middleware {
	if token == "" {
		return setHeader("", "")
	}
	return setHeader("Authorization", "Bearer "+token)
}

// UserAgent identifies the scheduler to task handlers.
func UserAgent(ua string) Middleware { return setHeader("User-Agent", ua) }
