package httpmw

import (
	"net/http"

	"github.com/keithlinneman/resourcehealth/internal/log"
	"github.com/keithlinneman/resourcehealth/internal/xerrors"
)

// Recover turns a handler panic into a 500 and a critical log line.
// onPanic, when set, runs after logging. http.ErrAbortHandler is
// re-raised so net/http can drop the connection quietly.
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	L = log.OrNop(L)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				ctx := r.Context()
				var err error
				if e, ok := rec.(error); ok {
					err = xerrors.Wrap(e, "handler panic")
				} else {
					err = xerrors.Newf("handler panic: %v", rec)
				}
				L.Critical(ctx, err, "recovered http handler panic",
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
				)
				if onPanic != nil {
					onPanic()
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
