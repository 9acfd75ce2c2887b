// Package requesttime pins one "now" per HTTP request so every default
// derived from the clock (e.g. the usage day) agrees within the request.
package requesttime

import (
	"net/http"
	"time"

	"usagetrail/pkg/deliverycontext"
)

// Middleware captures the current time at the start of the request and
// stores it in the context. Handlers read it with deliverycontext.Now.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := deliverycontext.WithTime(r.Context(), time.Now())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
