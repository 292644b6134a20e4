package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"

	"github.com/RhysSullivan/codegate/internal/domain/actor"
	"github.com/RhysSullivan/codegate/internal/telemetry"
)

type requestIDContextKey struct{}
type actorContextKey struct{}

// AnonymousActorID is the stable id of the bootstrap actor used when
// control-plane auth is disabled.
const AnonymousActorID = "anonymous"

// requestIDMiddleware extracts or generates a request ID and sets the
// correlation header.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), requestIDContextKey{}, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestID returns the correlation id set by requestIDMiddleware.
func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDContextKey{}).(string); ok {
		return id
	}
	return ""
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush passes SSE flushes through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// loggingMiddleware logs one line per request and records the HTTP metrics.
func loggingMiddleware(logger *slog.Logger, metrics *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			route := r.Pattern
			if route == "" {
				route = r.URL.Path
			}
			elapsed := time.Since(start)
			metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
			metrics.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", elapsed.Milliseconds(),
				"request_id", requestID(r.Context()),
			)
		})
	}
}

// KeyEntry maps one stored control-plane key hash to an actor.
type KeyEntry struct {
	// Hash is an argon2id PHC string or a SHA-256 hex digest.
	Hash  string
	Actor actor.Actor
}

// Authenticator resolves bearer keys to actors. With auth disabled every
// request runs as the anonymous bootstrap actor.
type Authenticator struct {
	enabled            bool
	keys               []KeyEntry
	anonymousWorkspace string
}

// NewAuthenticator builds the resolver. An empty key set with enabled=true
// locks the control plane out entirely.
func NewAuthenticator(enabled bool, keys []KeyEntry, anonymousWorkspace string) *Authenticator {
	return &Authenticator{enabled: enabled, keys: keys, anonymousWorkspace: anonymousWorkspace}
}

// Resolve maps a presented key to its actor. Argon2id hashes are verified
// with the PHC comparator; hex digests by constant-time SHA-256 compare.
func (a *Authenticator) Resolve(key string) (*actor.Actor, bool) {
	if !a.enabled {
		return a.anonymous(), true
	}
	if key == "" {
		return nil, false
	}

	sum := sha256.Sum256([]byte(key))
	hexSum := hex.EncodeToString(sum[:])

	for i := range a.keys {
		entry := &a.keys[i]
		if strings.HasPrefix(entry.Hash, "$argon2id$") {
			if match, err := argon2id.ComparePasswordAndHash(key, entry.Hash); err == nil && match {
				cp := entry.Actor
				return &cp, true
			}
			continue
		}
		if subtle.ConstantTimeCompare([]byte(strings.ToLower(entry.Hash)), []byte(hexSum)) == 1 {
			cp := entry.Actor
			return &cp, true
		}
	}
	return nil, false
}

// anonymous is the dev-mode bootstrap actor. It administers the default
// workspace so a fresh install is usable without key setup.
func (a *Authenticator) anonymous() *actor.Actor {
	return &actor.Actor{
		ID:          AnonymousActorID,
		Name:        "anonymous",
		WorkspaceID: a.anonymousWorkspace,
		Roles:       []actor.Role{actor.RoleAdmin, actor.RoleMember},
		Anonymous:   true,
	}
}

// authMiddleware resolves the Authorization header to an actor and stores
// it in the request context. Unresolvable keys get 401.
func (a *Authenticator) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ""
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			key = strings.TrimPrefix(auth, "Bearer ")
		}
		act, ok := a.Resolve(key)
		if !ok {
			respondError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing API key")
			return
		}
		ctx := context.WithValue(r.Context(), actorContextKey{}, act)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// actorFrom returns the authenticated actor. The auth middleware guarantees
// presence on every control-plane route.
func actorFrom(ctx context.Context) *actor.Actor {
	if act, ok := ctx.Value(actorContextKey{}).(*actor.Actor); ok {
		return act
	}
	return &actor.Actor{ID: AnonymousActorID, Anonymous: true}
}
