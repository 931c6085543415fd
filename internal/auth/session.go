package auth

import (
	"encoding/gob"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
)

const sessionName = "iptablesd-session"

// sessionKey keeps our values apart from anything else stored in the cookie.
type sessionKey string

const (
	keyUserID   sessionKey = "user_id"
	keyIsAdmin  sessionKey = "is_admin"
	keyIssuedAt sessionKey = "issued_at"
)

func init() {
	// Cookie values are gob-encoded map[interface{}]interface{}.
	gob.Register(sessionKey(""))
}

// Session is the login state carried in the cookie.
type Session struct {
	UserID   int64
	IsAdmin  bool
	IssuedAt time.Time
}

type SessionManager struct {
	store *sessions.CookieStore
}

func NewSessionManager(secret string, maxAge int, secure bool) *SessionManager {
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	}
	return &SessionManager{store: store}
}

// SetUser starts a session for userID, replacing any previous values.
func (m *SessionManager) SetUser(w http.ResponseWriter, r *http.Request, userID int64, isAdmin bool) error {
	session, err := m.store.Get(r, sessionName)
	if err != nil && session == nil {
		return err
	}

	session.Values = map[interface{}]interface{}{
		keyUserID:   userID,
		keyIsAdmin:  isAdmin,
		keyIssuedAt: time.Now().Unix(),
	}
	return session.Save(r, w)
}

// Current decodes the session cookie of r. A tampered, expired or foreign
// cookie reports false.
func (m *SessionManager) Current(r *http.Request) (Session, bool) {
	session, err := m.store.Get(r, sessionName)
	if err != nil {
		return Session{}, false
	}

	userID, ok := session.Values[keyUserID].(int64)
	if !ok {
		return Session{}, false
	}
	isAdmin, _ := session.Values[keyIsAdmin].(bool)
	issued, _ := session.Values[keyIssuedAt].(int64)
	return Session{UserID: userID, IsAdmin: isAdmin, IssuedAt: time.Unix(issued, 0)}, true
}

func (m *SessionManager) GetUserID(r *http.Request) (int64, bool) {
	s, ok := m.Current(r)
	return s.UserID, ok
}

func (m *SessionManager) Clear(w http.ResponseWriter, r *http.Request) error {
	session, err := m.store.Get(r, sessionName)
	if err != nil && session == nil {
		return err
	}

	session.Values = make(map[interface{}]interface{})
	session.Options.MaxAge = -1

	return session.Save(r, w)
}
