package node

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultAuthFailDelay = 250 * time.Millisecond

// basicAuth checks HTTP Basic credentials in constant time against the
// sha256 of the expected header value.
type basicAuth struct {
	authsha   [sha256.Size]byte
	failDelay time.Duration
	log       *zap.Logger
}

func newBasicAuth(user, password string, failDelay time.Duration, log *zap.Logger) *basicAuth {
	login := user + ":" + password
	return &basicAuth{
		authsha:   sha256.Sum256([]byte("Basic " + base64.StdEncoding.EncodeToString([]byte(login)))),
		failDelay: failDelay,
		log:       log,
	}
}

func (a *basicAuth) check(r *http.Request) bool {
	hdr := r.Header.Get("Authorization")
	if hdr == "" {
		return false
	}
	got := sha256.Sum256([]byte(hdr))
	return subtle.ConstantTimeCompare(got[:], a.authsha[:]) == 1
}

// wrap answers unauthenticated requests with 401 after failDelay.
func (a *basicAuth) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.check(r) {
			next.ServeHTTP(w, r)
			return
		}
		a.log.Warn("rpc authentication failure", zap.String("peer", r.RemoteAddr))
		if a.failDelay > 0 {
			select {
			case <-time.After(a.failDelay):
			case <-r.Context().Done():
			}
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="jsonrpc"`)
		http.Error(w, "401 Unauthorized.", http.StatusUnauthorized)
	})
}
