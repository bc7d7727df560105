package httpmw

import (
	"net/http"

	"github.com/parabit/memgate/internal/log"
	"github.com/parabit/memgate/internal/xerrors"
)

// Recover converts handler panics into 500 responses and a logged
// error. onPanic (optional) feeds the panic counter.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					// the server uses this sentinel to abort; let it through
					panic(rec)
				}
				if onPanic != nil {
					onPanic()
				}
				var err error
				switch v := rec.(type) {
				case error:
					err = xerrors.WithStack(v)
				default:
					err = xerrors.Newf("panic: %v", v)
				}
				logger.With("method", r.Method, "path", r.URL.Path).
					Error(r.Context(), err, "httpserver panic recovered")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
