package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	sessionCookie = "mcpchat_session"
	sessionTTL    = 24 * time.Hour

	claimThreadID  = "thread_id"
	claimTimeout   = "timeout_seconds"
	claimStepLimit = "step_limit"
)

// Session is the per-browser state carried in a signed cookie: who is logged
// in, which conversation thread is active, and the per-query limits chosen in
// settings.
type Session struct {
	UserID         string
	ThreadID       string
	TimeoutSeconds int
	StepLimit      int
}

// SessionManager issues and verifies HMAC-signed session tokens.
type SessionManager struct {
	secret []byte
}

func NewSessionManager(secret string) *SessionManager {
	return &SessionManager{secret: []byte(secret)}
}

// Issue signs the session into a cookie on the response. Called on login and
// whenever the session state changes (settings applied, conversation reset).
func (m *SessionManager) Issue(w http.ResponseWriter, session Session) error {
	token, err := jwt.NewBuilder().
		Subject(session.UserID).
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(sessionTTL)).
		Claim(claimThreadID, session.ThreadID).
		Claim(claimTimeout, session.TimeoutSeconds).
		Claim(claimStepLimit, session.StepLimit).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build session token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, m.secret))
	if err != nil {
		return fmt.Errorf("failed to sign session token: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    string(signed),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sessionTTL.Seconds()),
	})
	return nil
}

// Read verifies the session cookie and reconstructs the session.
func (m *SessionManager) Read(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil, fmt.Errorf("no session cookie")
	}

	token, err := jwt.Parse([]byte(cookie.Value),
		jwt.WithKey(jwa.HS256, m.secret),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid session token: %w", err)
	}

	session := &Session{UserID: token.Subject()}
	if v, ok := token.Get(claimThreadID); ok {
		session.ThreadID, _ = v.(string)
	}
	session.TimeoutSeconds = intClaim(token, claimTimeout)
	session.StepLimit = intClaim(token, claimStepLimit)

	if session.UserID == "" || session.ThreadID == "" {
		return nil, fmt.Errorf("session token is missing required claims")
	}
	return session, nil
}

// Clear expires the session cookie.
func (m *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

// intClaim reads a numeric private claim. Private claims round-trip through
// JSON, so numbers come back as float64.
func intClaim(token jwt.Token, name string) int {
	v, ok := token.Get(name)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

type sessionContextKey struct{}

// Middleware rejects unauthenticated requests by redirecting to the login
// page, and attaches the verified session to the request context.
func (m *SessionManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := m.Read(r)
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		ctx := context.WithValue(r.Context(), sessionContextKey{}, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SessionFrom returns the session attached by Middleware, or nil.
func SessionFrom(ctx context.Context) *Session {
	session, _ := ctx.Value(sessionContextKey{}).(*Session)
	return session
}
