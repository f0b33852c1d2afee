package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"backcheck/internal/analysis"
	"backcheck/internal/backend"
	"backcheck/internal/config"
	"backcheck/internal/session"
)

// fakeBackend stands in for the remote analysis service.
type fakeBackend struct {
	protected  bool
	rateLimit  bool
	deleteDocs []string
}

func (f *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"user": map[string]any{
				"username":    "alice",
				"name":        "Alice",
				"tweet_count": 42,
				"protected":   f.protected,
			},
		})
	})
	mux.HandleFunc("/api/firebase/get-data", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"data": {
				"tweets_data": {
					"tweets": [
						{"id": "1", "text": "@bob hello", "referenced_tweets": [{"type": "replied_to", "id": "9"}]},
						{"id": "2", "text": "RT @carol: hi", "is_retweet": true}
					],
					"user_info": {"username": "alice"}
				},
				"classification_data": {
					"results": [
						{"tweet_id": 1, "risk_level": "high", "labels": ["hate_speech"], "text": "@bob hello"},
						{"tweet_id": 2, "risk_level": "low", "labels": ["nsfw"], "text": "RT @carol: hi", "is_retweet": true}
					],
					"summary": {"label_counts": {"hate_speech": 1, "nsfw": 1}}
				}
			}
		}`))
	})
	mux.HandleFunc("/api/tweets/delete", func(w http.ResponseWriter, r *http.Request) {
		if f.rateLimit {
			w.Header().Set("Retry-After", "45")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		var body struct {
			DocID    string `json:"doc_id"`
			TweetIDs string `json:"tweet_ids"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.deleteDocs = append(f.deleteDocs, body.TweetIDs)
		json.NewEncoder(w).Encode(backend.DeleteResult{
			Results: []backend.DeleteOutcome{
				{TweetID: 1, Deleted: true},
				{TweetID: 2, Deleted: false, Error: "already gone"},
			},
			DeletedCount: 1,
			FailedCount:  1,
		})
	})
	mux.HandleFunc("/api/notify/dashboard", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"sent": true})
	})
	return mux
}

type testEnv struct {
	api      *API
	sessions *session.Store
	backend  *fakeBackend
	srv      *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fb := &fakeBackend{}
	backendSrv := httptest.NewServer(fb.handler())
	t.Cleanup(backendSrv.Close)

	sessions, err := session.Open(filepath.Join(t.TempDir(), "sessions.db"), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sessions.Close() })

	cfg := config.Config{
		DashboardURL: "http://localhost/dashboard",
		MaxBodyBytes: 1 << 20,
	}
	client := backend.NewClient(backendSrv.URL)
	runner := analysis.New(client, sessions, time.Second, 0, cfg.DashboardURL)
	api := New(cfg, sessions, client, runner, AssetsHandler())

	srv := httptest.NewServer(api.Routes())
	t.Cleanup(srv.Close)
	return &testEnv{api: api, sessions: sessions, backend: fb, srv: srv}
}

// signIn creates a session row directly and returns its cookie.
func (e *testEnv) signIn(t *testing.T, ready bool) *http.Cookie {
	t.Helper()
	sess, err := e.sessions.Create(context.Background(), "backend-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if ready {
		if err := e.sessions.SaveDocRefs(context.Background(), sess.Token, "td", "cd"); err != nil {
			t.Fatal(err)
		}
	}
	return &http.Cookie{Name: session.CookieName, Value: sess.Token}
}

func (e *testEnv) do(t *testing.T, method, path string, body string, cookie *http.Cookie) (*http.Response, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return res, payload
}

func TestSessionRequired(t *testing.T) {
	e := newTestEnv(t)
	res, _ := e.do(t, http.MethodGet, "/api/dashboard", "", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}
}

func TestCallback(t *testing.T) {
	e := newTestEnv(t)

	res, payload := e.do(t, http.MethodPost, "/api/auth/callback?session_id=backend-1&username=%40alice", "", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if payload["next"] != "/analyzing" {
		t.Fatalf("next = %v", payload["next"])
	}

	var cookie *http.Cookie
	for _, c := range res.Cookies() {
		if c.Name == session.CookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("no session cookie set")
	}

	// The cached profile comes back through /api/auth/me.
	res, payload = e.do(t, http.MethodGet, "/api/auth/me", "", cookie)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status = %d", res.StatusCode)
	}
	user := payload["user"].(map[string]any)
	if user["username"] != "alice" || user["tweet_count"] != float64(42) {
		t.Fatalf("user = %v", user)
	}
}

func TestCallbackProtectedAccount(t *testing.T) {
	e := newTestEnv(t)
	e.backend.protected = true

	_, payload := e.do(t, http.MethodPost, "/api/auth/callback?session_id=backend-1&username=alice", "", nil)
	if payload["next"] != "/account-private" {
		t.Fatalf("next = %v", payload["next"])
	}
}

func TestCallbackOAuthDenied(t *testing.T) {
	e := newTestEnv(t)
	_, payload := e.do(t, http.MethodPost, "/api/auth/callback?error=access_denied", "", nil)
	if payload["next"] != "/connect" || payload["error"] != "access_denied" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestDashboardRequiresDocRefs(t *testing.T) {
	e := newTestEnv(t)
	cookie := e.signIn(t, false)
	res, _ := e.do(t, http.MethodGet, "/api/dashboard", "", cookie)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", res.StatusCode)
	}
}

func TestDashboardView(t *testing.T) {
	e := newTestEnv(t)
	cookie := e.signIn(t, true)

	res, payload := e.do(t, http.MethodGet, "/api/dashboard", "", cookie)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	view := payload["view"].(map[string]any)
	if view["filtered_total"] != float64(2) || view["total"] != float64(2) {
		t.Fatalf("view totals = %v %v", view["filtered_total"], view["total"])
	}
	types := view["post_types"].(map[string]any)
	if types["1"] != "reply" || types["2"] != "repost" {
		t.Fatalf("post types = %v", types)
	}

	// Toggling the high-risk filter hides item 1.
	_, payload = e.do(t, http.MethodPost, "/api/dashboard/filters",
		`{"dimension": "risk", "value": "high"}`, cookie)
	view = payload["view"].(map[string]any)
	if view["filtered_total"] != float64(1) {
		t.Fatalf("after toggle: %v", view["filtered_total"])
	}

	_, payload = e.do(t, http.MethodPost, "/api/dashboard/filters",
		`{"dimension": "bogus", "value": "x"}`, cookie)
	if payload["error"] == nil {
		t.Fatal("unknown dimension accepted")
	}
}

func TestDashboardDelete(t *testing.T) {
	e := newTestEnv(t)
	cookie := e.signIn(t, true)

	e.do(t, http.MethodGet, "/api/dashboard", "", cookie)
	_, payload := e.do(t, http.MethodPost, "/api/dashboard/select", `{"all": true}`, cookie)
	view := payload["view"].(map[string]any)
	if ids := view["selected_ids"].([]any); len(ids) != 2 {
		t.Fatalf("selected = %v", ids)
	}

	res, payload := e.do(t, http.MethodPost, "/api/dashboard/delete", "", cookie)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if payload["deleted_count"] != float64(1) || payload["failed_count"] != float64(1) {
		t.Fatalf("counts = %v %v", payload["deleted_count"], payload["failed_count"])
	}
	// Only the successfully deleted post leaves the board.
	view = payload["view"].(map[string]any)
	if view["total"] != float64(1) {
		t.Fatalf("total after delete = %v", view["total"])
	}
	if len(e.backend.deleteDocs) != 1 || e.backend.deleteDocs[0] != "1,2" {
		t.Fatalf("backend saw %v", e.backend.deleteDocs)
	}
}

func TestDashboardDeleteRateLimited(t *testing.T) {
	e := newTestEnv(t)
	cookie := e.signIn(t, true)

	e.do(t, http.MethodGet, "/api/dashboard", "", cookie)
	e.do(t, http.MethodPost, "/api/dashboard/select", `{"all": true}`, cookie)

	e.backend.rateLimit = true
	res, payload := e.do(t, http.MethodPost, "/api/dashboard/delete", "", cookie)
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", res.StatusCode)
	}
	if payload["retry_after_seconds"] != float64(45) {
		t.Fatalf("retry_after_seconds = %v", payload["retry_after_seconds"])
	}
}

func TestDashboardDeleteNothingSelected(t *testing.T) {
	e := newTestEnv(t)
	cookie := e.signIn(t, true)
	res, _ := e.do(t, http.MethodPost, "/api/dashboard/delete", "", cookie)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
}

func TestNotifyEmailValidation(t *testing.T) {
	e := newTestEnv(t)
	cookie := e.signIn(t, false)

	res, _ := e.do(t, http.MethodPost, "/api/notify/email",
		`{"email": "a@example.com", "confirm_email": "b@example.com"}`, cookie)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("mismatch status = %d, want 400", res.StatusCode)
	}

	res, _ = e.do(t, http.MethodPost, "/api/notify/email",
		`{"email": "not-an-email", "confirm_email": "not-an-email"}`, cookie)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid status = %d, want 400", res.StatusCode)
	}

	res, _ = e.do(t, http.MethodPost, "/api/notify/email",
		`{"email": "a@example.com", "confirm_email": "a@example.com"}`, cookie)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("valid status = %d, want 200", res.StatusCode)
	}
}
