package middleware

import "net/http"

type Middleware func(http.Handler) http.Handler

// Chain wraps h so that middlewares run in the order given: the first one
// sees the request first. Nil entries are skipped, which lets callers
// leave optional middlewares in place.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		if mw := middlewares[i]; mw != nil {
			h = mw(h)
		}
	}
	return h
}

// Optional returns mw when enabled and nil otherwise.
func Optional(enabled bool, mw func() Middleware) Middleware {
	if !enabled {
		return nil
	}
	return mw()
}
