package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/konorlevich/mycloud/internal/cloud-service/access"
	"github.com/konorlevich/mycloud/internal/cloud-service/database"
)

const RequestIDHeader = "X-Request-Id"

var ErrUnauthorized = errors.New("you are not authorized for this action")

type TokenVerifier interface {
	Verify(token string) (uint, error)
}

type UserResolver interface {
	Authenticate(login, password string) (*database.User, error)
	Active(id uint) (*database.User, error)
}

type ctxKey int

const (
	userKey ctxKey = iota
	loggerKey
)

// User returns the authenticated user stored by CheckAuth.
func User(ctx context.Context) (*database.User, bool) {
	u, ok := ctx.Value(userKey).(*database.User)
	return u, ok && u != nil
}

// Principal is the access identity of the authenticated user.
func Principal(ctx context.Context) (access.Principal, bool) {
	u, ok := User(ctx)
	if !ok {
		return access.Principal{}, false
	}
	return access.Principal{ID: u.ID, IsAdmin: u.IsAdmin}, true
}

// Logger returns the request scoped logger, or fallback when there is none.
func Logger(ctx context.Context, fallback *log.Entry) *log.Entry {
	if l, ok := ctx.Value(loggerKey).(*log.Entry); ok {
		return l
	}
	return fallback
}

// CheckAuth accepts a bearer token or basic credentials and rejects the
// request with 401 when neither resolves to an active user.
func CheckAuth(tokens TokenVerifier, users UserResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			u, err := resolve(r, tokens, users)
			if err != nil {
				Logger(r.Context(), log.NewEntry(log.StandardLogger())).WithError(err).Info("unauthorized request")
				rw.Header().Set("WWW-Authenticate", `Bearer, Basic realm="cloud"`)
				writeError(rw, http.StatusUnauthorized, ErrUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), userKey, u)
			if l, ok := r.Context().Value(loggerKey).(*log.Entry); ok {
				ctx = context.WithValue(ctx, loggerKey, l.WithField("caller_id", u.ID))
			}
			next.ServeHTTP(rw, r.WithContext(ctx))
		})
	}
}

func resolve(r *http.Request, tokens TokenVerifier, users UserResolver) (*database.User, error) {
	if header := r.Header.Get("Authorization"); len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		id, err := tokens.Verify(strings.TrimSpace(header[7:]))
		if err != nil {
			return nil, err
		}
		return users.Active(id)
	}
	login, password, ok := r.BasicAuth()
	if !ok || login == "" {
		return nil, ErrUnauthorized
	}
	return users.Authenticate(login, password)
}

// statusWriter remembers the status code written through it.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

type RequestObserver interface {
	ObserveRequest(method, route string, status int, seconds float64)
}

// Observe tags every request with an id and a logger, then logs and counts
// it once it is served. Routes are reported by their mux pattern.
func Observe(l *log.Entry, m RequestObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			rw.Header().Set(RequestIDHeader, id)
			rl := l.WithFields(log.Fields{
				"request_id": id,
				"method":     r.Method,
				"path":       r.URL.Path,
			})
			sw := &statusWriter{ResponseWriter: rw}
			r = r.WithContext(context.WithValue(r.Context(), loggerKey, rl))
			next.ServeHTTP(sw, r)

			elapsed := time.Since(start)
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			if m != nil {
				m.ObserveRequest(r.Method, route, sw.code(), elapsed.Seconds())
			}
			rl.WithFields(log.Fields{
				"status":   sw.code(),
				"duration": elapsed.String(),
			}).Debug("request served")
		})
	}
}

func writeError(rw http.ResponseWriter, status int, err error) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_, _ = rw.Write([]byte(`{"error":"` + err.Error() + `"}`))
}
