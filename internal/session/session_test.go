package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"backcheck/internal/model"
)

func openTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"), ttl)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateGetRoundTrip(t *testing.T) {
	s := openTestStore(t, time.Hour)
	ctx := context.Background()

	sess, err := s.Create(ctx, "backend-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Token == "" {
		t.Fatal("empty token")
	}

	got, err := s.Get(ctx, sess.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.BackendSessionID != "backend-1" || got.Username != "alice" {
		t.Fatalf("got %+v", got)
	}
	if got.Ready() {
		t.Fatal("fresh session must not be ready")
	}

	if _, err := s.Get(ctx, "no-such-token"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveProfile(t *testing.T) {
	s := openTestStore(t, time.Hour)
	ctx := context.Background()

	sess, err := s.Create(ctx, "backend-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	err = s.SaveProfile(ctx, sess.Token, &model.Profile{
		Username:       "alice",
		Name:           "Alice",
		TweetCount:     1200,
		FollowersCount: 34,
		Protected:      true,
		AvatarURL:      "https://example.com/a.png",
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, sess.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Alice" || got.TweetCount != 1200 || !got.Protected {
		t.Fatalf("got %+v", got)
	}
}

func TestDocRefsAndReady(t *testing.T) {
	s := openTestStore(t, time.Hour)
	ctx := context.Background()

	sess, err := s.Create(ctx, "backend-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveDocRefs(ctx, sess.Token, "tweets-doc", "class-doc"); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, sess.Token)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Ready() || got.TweetsDocID != "tweets-doc" || got.ClassificationDocID != "class-doc" {
		t.Fatalf("got %+v", got)
	}

	if err := s.SaveDocRefs(ctx, "no-such-token", "a", "b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestNotificationLifecycle(t *testing.T) {
	s := openTestStore(t, time.Hour)
	ctx := context.Background()

	sess, err := s.Create(ctx, "backend-1", "alice")
	if err != nil {
		t.Fatal(err)
	}

	email, sent, err := s.NotificationTarget(ctx, sess.Token)
	if err != nil || email != "" || sent {
		t.Fatalf("fresh session: %q %v %v", email, sent, err)
	}

	if err := s.SetNotifyEmail(ctx, sess.Token, "a@example.com"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkNotified(ctx, sess.Token); err != nil {
		t.Fatal(err)
	}
	email, sent, err = s.NotificationTarget(ctx, sess.Token)
	if err != nil || email != "a@example.com" || !sent {
		t.Fatalf("after send: %q %v %v", email, sent, err)
	}

	// Changing the email re-arms the notification.
	if err := s.SetNotifyEmail(ctx, sess.Token, "b@example.com"); err != nil {
		t.Fatal(err)
	}
	if _, sent, _ = s.NotificationTarget(ctx, sess.Token); sent {
		t.Fatal("new email should reset notify_sent")
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t, time.Hour)
	ctx := context.Background()

	sess, err := s.Create(ctx, "backend-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, sess.Token); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, sess.Token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestExpiryAndSweep(t *testing.T) {
	s := openTestStore(t, 10*time.Millisecond)
	ctx := context.Background()

	sess, err := s.Create(ctx, "backend-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)

	if _, err := s.Get(ctx, sess.Token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired session: err = %v, want ErrNotFound", err)
	}

	n, err := s.SweepExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("swept %d rows, want 1", n)
	}
}
