// Package session holds the server-side session context: one sqlite row per
// connected account holding the backend session id, the durable
// result-document references, and cached profile fields. Rows are short-lived
// and swept on a schedule.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite"

	"backcheck/internal/model"
)

// CookieName is the browser cookie carrying the session token.
const CookieName = "backcheck_session"

var ErrNotFound = errors.New("session not found")

// Session is the flow state shared by connect, analyzing, and dashboard.
type Session struct {
	Token               string
	BackendSessionID    string
	Username            string
	Name                string
	TweetCount          int
	FollowersCount      int
	Protected           bool
	AvatarURL           string
	TweetsDocID         string
	ClassificationDocID string
	NotifyEmail         string
	NotifySent          bool
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// Ready reports whether the dashboard's fatal preconditions hold: both
// durable document references must exist.
func (s *Session) Ready() bool {
	return s.TweetsDocID != "" && s.ClassificationDocID != ""
}

// Store persists sessions in sqlite.
type Store struct {
	db  *sql.DB
	ttl time.Duration
	sb  sq.StatementBuilderType
}

// Open opens (or creates) the session database and applies the schema.
func Open(path string, ttl time.Duration) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{db: db, ttl: ttl, sb: sq.StatementBuilder.PlaceholderFormat(sq.Question)}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			backend_session_id TEXT NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			tweet_count INTEGER NOT NULL DEFAULT 0,
			followers_count INTEGER NOT NULL DEFAULT 0,
			protected INTEGER NOT NULL DEFAULT 0,
			avatar_url TEXT NOT NULL DEFAULT '',
			tweets_doc_id TEXT NOT NULL DEFAULT '',
			classification_doc_id TEXT NOT NULL DEFAULT '',
			notify_email TEXT NOT NULL DEFAULT '',
			notify_sent INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Create mints a new session token for a completed OAuth callback.
func (s *Store) Create(ctx context.Context, backendSessionID, username string) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		Token:            uuid.NewString(),
		BackendSessionID: backendSessionID,
		Username:         username,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.ttl),
	}
	query, args, err := s.sb.
		Insert("sessions").
		Columns("token", "backend_session_id", "username", "created_at", "expires_at").
		Values(sess.Token, sess.BackendSessionID, sess.Username, sess.CreatedAt, sess.ExpiresAt).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// Get loads a live session; expired rows behave as missing.
func (s *Store) Get(ctx context.Context, token string) (*Session, error) {
	query, args, err := s.sb.
		Select("token", "backend_session_id", "username", "name", "tweet_count",
			"followers_count", "protected", "avatar_url", "tweets_doc_id",
			"classification_doc_id", "notify_email", "notify_sent",
			"created_at", "expires_at").
		From("sessions").
		Where(sq.Eq{"token": token}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	var sess Session
	var protected, notifySent int
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&sess.Token, &sess.BackendSessionID, &sess.Username, &sess.Name,
		&sess.TweetCount, &sess.FollowersCount, &protected, &sess.AvatarURL,
		&sess.TweetsDocID, &sess.ClassificationDocID, &sess.NotifyEmail,
		&notifySent, &sess.CreatedAt, &sess.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	if time.Now().After(sess.ExpiresAt) {
		return nil, ErrNotFound
	}
	sess.Protected = protected == 1
	sess.NotifySent = notifySent == 1
	return &sess, nil
}

// SaveProfile caches the account profile fetched after the OAuth callback.
func (s *Store) SaveProfile(ctx context.Context, token string, p *model.Profile) error {
	return s.update(ctx, token, sq.Eq{
		"username":        p.Username,
		"name":            p.Name,
		"tweet_count":     p.TweetCount,
		"followers_count": p.FollowersCount,
		"protected":       boolInt(p.Protected),
		"avatar_url":      p.AvatarURL,
	})
}

// SaveDocRefs stores the durable document references once analysis finishes.
func (s *Store) SaveDocRefs(ctx context.Context, token, tweetsDocID, classificationDocID string) error {
	return s.update(ctx, token, sq.Eq{
		"tweets_doc_id":         tweetsDocID,
		"classification_doc_id": classificationDocID,
	})
}

// SetNotifyEmail records where to send the dashboard-ready email.
func (s *Store) SetNotifyEmail(ctx context.Context, token, email string) error {
	return s.update(ctx, token, sq.Eq{"notify_email": email, "notify_sent": 0})
}

// NotificationTarget returns the email on file and whether it was already
// used for this analysis.
func (s *Store) NotificationTarget(ctx context.Context, token string) (string, bool, error) {
	sess, err := s.Get(ctx, token)
	if err != nil {
		return "", false, err
	}
	return sess.NotifyEmail, sess.NotifySent, nil
}

// MarkNotified flips the idempotency flag after a successful send.
func (s *Store) MarkNotified(ctx context.Context, token string) error {
	return s.update(ctx, token, sq.Eq{"notify_sent": 1})
}

// Delete removes a session on logout.
func (s *Store) Delete(ctx context.Context, token string) error {
	query, args, err := s.sb.Delete("sessions").Where(sq.Eq{"token": token}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// SweepExpired deletes rows past their expiry and returns how many went.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	query, args, err := s.sb.
		Delete("sessions").
		Where(sq.Lt{"expires_at": time.Now().UTC()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build sweep: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// StartSweeper runs SweepExpired on a cron schedule until ctx is done.
func (s *Store) StartSweeper(ctx context.Context, spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		n, err := s.SweepExpired(context.Background())
		if err != nil {
			log.Printf("session: sweep failed: %v", err)
			return
		}
		if n > 0 {
			log.Printf("session: swept %d expired session(s)", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return c, nil
}

func (s *Store) update(ctx context.Context, token string, set sq.Eq) error {
	ub := s.sb.Update("sessions").Where(sq.Eq{"token": token})
	for col, val := range set {
		ub = ub.Set(col, val)
	}
	query, args, err := ub.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
