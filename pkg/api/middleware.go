package api

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"conductor/pkg/agent/middleware/resilience/ratelimit"
	"conductor/pkg/logx"
)

const (
	headerAPIKey    = "X-API-Key"
	headerRequestID = "X-Request-ID"
	scopeHTTP       = "http"
)

// tagRequest gives every response an X-Request-ID and stores the id in the
// request context for logging and the unit context.
func tagRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(logx.WithRequestID(r.Context(), id)))
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowedOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
			w.Header().Set("Access-Control-Expose-Headers", "Retry-After, X-Request-ID")
			if origin != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowedOrigin(origin string) string {
	if origin == "" {
		return ""
	}
	for _, o := range s.corsOrigins {
		if o == "*" {
			return "*"
		}
		if strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}

// presentedKey returns the X-API-Key header, else a bearer token.
func presentedKey(r *http.Request) string {
	if key := r.Header.Get(headerAPIKey); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := presentedKey(r)
		if key == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Detail: "Missing API key"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			s.logger.Warn("Invalid API key from %s", clientIP(r))
			writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Detail: "Invalid API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// admission rejects a request before any unit runs when the caller's bucket
// is empty. The caller key is the presented API key, else the client IP.
// A limiter backend failure admits the request.
func (s *Server) admission(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := presentedKey(r)
		if key == "" {
			key = clientIP(r)
		}

		err := ratelimit.Admit(r.Context(), s.limiter, key)
		var rejected *ratelimit.Error
		switch {
		case err == nil:
			s.recorder.ObserveAdmission(scopeHTTP, true)
		case errors.As(err, &rejected):
			s.recorder.ObserveAdmission(scopeHTTP, false)
			s.logger.Debug("Rejected %s %s: retry after %s", r.Method, r.URL.Path, rejected.RetryAfter)
			w.Header().Set("Retry-After", strconv.Itoa(ratelimit.RetryAfterSeconds(rejected.RetryAfter)))
			writeError(w, err)
			return
		default:
			s.logger.Warn("Admission check failed, admitting request: %v", err)
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
