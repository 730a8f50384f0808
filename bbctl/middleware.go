package bbctl

import (
	"net/http"
	"time"

	"github.com/peterbourgon/blackbox"
	"github.com/peterbourgon/blackbox/internal/bbutil"
	"go.uber.org/zap"
)

// Middleware records each request in the logger as a MARK_PUSH entry with
// the given call id, followed by a matching MARK_POP entry whose extra value
// is the response status code. Completed requests are also logged to log at
// debug level.
func Middleware(logger *blackbox.Logger, callID int64, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			push := logger.Log(blackbox.TypeMarkPush, callID, 0, 0)
			iw := newInterceptor(w)

			defer func(b time.Time) {
				code := iw.Code()
				logger.Log(blackbox.TypeMarkPop, callID, int64(push), int64(code))
				log.Debug("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("code", code),
					zap.String("sent", bbutil.HumanizeBytes(iw.Written())),
					zap.String("took", bbutil.HumanizeDuration(time.Since(b))),
				)
			}(time.Now())

			next.ServeHTTP(iw, r)
		})
	}
}

type interceptor struct {
	http.ResponseWriter

	flush func()
	code  int
	n     int
}

func newInterceptor(w http.ResponseWriter) *interceptor {
	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	return &interceptor{ResponseWriter: w, flush: flush}
}

func (i *interceptor) WriteHeader(code int) {
	if i.code == 0 {
		i.code = code
	}
	i.ResponseWriter.WriteHeader(code)
}

func (i *interceptor) Write(p []byte) (int, error) {
	if i.code == 0 {
		i.code = http.StatusOK
	}
	n, err := i.ResponseWriter.Write(p)
	i.n += n
	return n, err
}

func (i *interceptor) Code() int {
	if i.code == 0 {
		return http.StatusOK
	}
	return i.code
}

func (i *interceptor) Written() int {
	return i.n
}

func (i *interceptor) Flush() {
	i.flush()
}

// CloseNotify is used by event streams to notice disconnected clients.
func (i *interceptor) CloseNotify() <-chan bool {
	if cn, ok := i.ResponseWriter.(http.CloseNotifier); ok {
		return cn.CloseNotify()
	}
	return nil
}

func (i *interceptor) Unwrap() http.ResponseWriter {
	return i.ResponseWriter
}
