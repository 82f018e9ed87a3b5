package middleware

import (
	"context"
	"net"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
)

type contextKey string

const reqMetaKey = contextKey("r-metadata")

// RequestMetadata travels with an upgrade request through the chain.
type RequestMetadata struct {
	IP        string
	RequestID string
	// UserID is the subject verified by the identity middleware, if any.
	UserID string
}

func ReqMetadataFrom(ctx context.Context) (*RequestMetadata, bool) {
	reqMeta, ok := ctx.Value(reqMetaKey).(*RequestMetadata)
	return reqMeta, ok
}

// clientIP strips the port from RemoteAddr. chi's RealIP, when mounted
// upstream, has already replaced it with the forwarded address.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// RequestMetadataMiddleware must run before every other middleware here.
func RequestMetadataMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta := &RequestMetadata{
				IP:        clientIP(r),
				RequestID: chimw.GetReqID(r.Context()),
			}
			ctx := context.WithValue(r.Context(), reqMetaKey, reqMeta)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
