package plugboard

import (
	"context"
	"errors"
	"fmt"
	"github.com/gin-contrib/sessions"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"net/http"
	"time"
)

const (
	sessionIDLength   = 64
	sessionExpiresKey = "_expires_at"
)

// sessionRecord is the server-side half of a login session. The cookie
// only carries the signed/encrypted record ID.
type sessionRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	Data      string `gorm:"type:text"`
	ExpiresAt int64  `gorm:"index;not null"`
	ModelUnixTime
}

func (sessionRecord) TableName() string {
	return "sessions"
}

// SessionStore is a gin-contrib/sessions Store backed by the database
type SessionStore interface {
	sessions.Store
	PurgeExpired(ctx context.Context) (int64, error)
}

// DBSessionStore persists session values in the sessions table. A
// session's expiry is fixed when it's first saved, and later saves
// don't extend it.
type DBSessionStore struct {
	db      *gorm.DB
	Codecs  []securecookie.Codec
	options *gsessions.Options
	maxAge  time.Duration
	logger  *slog.Logger
}

// NewDBSessionStore returns a DBSessionStore whose sessions live for
// maxAge. keyPairs are passed to securecookie.CodecsFromPairs.
func NewDBSessionStore(
	db *gorm.DB,
	maxAge time.Duration,
	logger *slog.Logger,
	keyPairs ...[]byte,
) *DBSessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	codecs := securecookie.CodecsFromPairs(keyPairs...)
	for _, c := range codecs {
		if sc, ok := c.(*securecookie.SecureCookie); ok {
			sc.MaxAge(int(maxAge.Seconds()))
			sc.MaxLength(0)
		}
	}
	return &DBSessionStore{
		db:     db,
		Codecs: codecs,
		options: &gsessions.Options{
			Path:     "/",
			MaxAge:   int(maxAge.Seconds()),
			HttpOnly: true,
		},
		maxAge: maxAge,
		logger: logger.With(loggerNameKey, "session_store"),
	}
}

func (s *DBSessionStore) Options(options sessions.Options) {
	s.options = options.ToGorillaOptions()
}

// Get returns a cached session for the request, or loads it
func (s *DBSessionStore) Get(r *http.Request, name string) (*gsessions.Session, error) {
	return gsessions.GetRegistry(r).Get(s, name)
}

// New returns the session referenced by the request's cookie. If the
// cookie is missing, invalid or references an expired session, a new
// empty session is returned without an error.
func (s *DBSessionStore) New(r *http.Request, name string) (*gsessions.Session, error) {
	session := gsessions.NewSession(s, name)
	opts := *s.options
	session.Options = &opts
	session.IsNew = true

	cookie, err := r.Cookie(name)
	if err != nil {
		return session, nil
	}
	var id string
	if err = securecookie.DecodeMulti(name, cookie.Value, &id, s.Codecs...); err != nil {
		s.logger.DebugContext(r.Context(), "discarding invalid session cookie", tint.Err(err))
		return session, nil
	}

	var record sessionRecord
	err = s.db.WithContext(r.Context()).
		Where("id = ? AND expires_at > ?", id, time.Now().UnixMilli()).
		Take(&record).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return session, nil
	case err != nil:
		return session, fmt.Errorf("error loading session: %w", err)
	}

	if err = securecookie.DecodeMulti(name, record.Data, &session.Values, s.Codecs...); err != nil {
		s.logger.WarnContext(r.Context(), "discarding undecodable session", tint.Err(err))
		return session, nil
	}
	session.ID = record.ID
	session.Values[sessionExpiresKey] = record.ExpiresAt
	session.IsNew = false
	return session, nil
}

// Save writes the session to the database and sets the cookie. A
// session with Options.MaxAge < 0 is deleted.
func (s *DBSessionStore) Save(
	r *http.Request,
	w http.ResponseWriter,
	session *gsessions.Session,
) error {
	ctx := r.Context()
	if session.Options == nil {
		opts := *s.options
		session.Options = &opts
	}

	if session.Options.MaxAge < 0 {
		if session.ID != "" {
			if err := s.db.WithContext(ctx).Delete(&sessionRecord{ID: session.ID}).Error; err != nil {
				return fmt.Errorf("error deleting session: %w", err)
			}
		}
		http.SetCookie(w, gsessions.NewCookie(session.Name(), "", session.Options))
		return nil
	}

	now := time.Now()
	expiresAt, _ := session.Values[sessionExpiresKey].(int64)
	if session.ID == "" || expiresAt == 0 {
		id, err := generateRandomHexString(sessionIDLength)
		if err != nil {
			return fmt.Errorf("error generating session id: %w", err)
		}
		session.ID = id
		expiresAt = now.Add(s.maxAge).UnixMilli()
		session.Values[sessionExpiresKey] = expiresAt
	}

	data, err := securecookie.EncodeMulti(session.Name(), session.Values, s.Codecs...)
	if err != nil {
		return fmt.Errorf("error encoding session: %w", err)
	}

	record := sessionRecord{ID: session.ID, Data: data, ExpiresAt: expiresAt}
	err = s.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
		},
	).Create(&record).Error
	if err != nil {
		return fmt.Errorf("error saving session: %w", err)
	}

	encodedID, err := securecookie.EncodeMulti(session.Name(), session.ID, s.Codecs...)
	if err != nil {
		return fmt.Errorf("error encoding session cookie: %w", err)
	}

	remaining := time.UnixMilli(expiresAt).Sub(now)
	cookieOpts := *session.Options
	cookieOpts.MaxAge = int(remaining.Seconds())
	if cookieOpts.MaxAge < 1 {
		cookieOpts.MaxAge = 1
	}
	http.SetCookie(w, gsessions.NewCookie(session.Name(), encodedID, &cookieOpts))
	session.IsNew = false
	return nil
}

// PurgeExpired deletes sessions past their expiry
func (s *DBSessionStore) PurgeExpired(ctx context.Context) (int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := s.db.WithContext(ctx).
		Where("expires_at <= ?", time.Now().UnixMilli()).
		Delete(&sessionRecord{})
	return rv.RowsAffected, rv.Error
}
