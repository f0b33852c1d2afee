package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/mail"
	"strings"
	"sync"
	"time"

	"backcheck/internal/analysis"
	"backcheck/internal/backend"
	"backcheck/internal/config"
	"backcheck/internal/dashboard"
	"backcheck/internal/model"
	"backcheck/internal/session"
)

// API owns the HTTP surface: the embedded pages and the JSON endpoints the
// pages call. Dashboard state lives here per session token, built lazily
// from the backend's stored documents.
type API struct {
	cfg      config.Config
	sessions *session.Store
	client   *backend.Client
	runner   *analysis.Runner
	assets   http.Handler

	mu     sync.Mutex
	boards map[string]*dashboard.Dashboard
}

func New(cfg config.Config, sessions *session.Store, client *backend.Client, runner *analysis.Runner, assets http.Handler) *API {
	return &API{
		cfg:      cfg,
		sessions: sessions,
		client:   client,
		runner:   runner,
		assets:   assets,
		boards:   make(map[string]*dashboard.Dashboard),
	}
}

func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/assets/", a.assets)
	mux.HandleFunc("/", a.servePage("web/index.html", true))
	mux.HandleFunc("/connect", a.servePage("web/connect.html", false))
	mux.HandleFunc("/callback", a.servePage("web/callback.html", false))
	mux.HandleFunc("/analyzing", a.servePage("web/analyzing.html", false))
	mux.HandleFunc("/dashboard", a.servePage("web/dashboard.html", false))
	mux.HandleFunc("/account-private", a.servePage("web/account-private.html", false))

	mux.Handle("/api/auth/login", a.withJSON(http.HandlerFunc(a.handleLogin)))
	mux.Handle("/api/auth/callback", a.withJSON(http.HandlerFunc(a.handleCallback)))
	mux.Handle("/api/auth/me", a.withJSON(a.withSession(a.handleMe)))
	mux.Handle("/api/auth/logout", a.withJSON(a.withSession(a.handleLogout)))

	mux.Handle("/api/estimate", a.withJSON(a.withSession(a.handleEstimate)))
	mux.Handle("/api/analysis/start", a.withJSON(a.withSession(a.handleAnalysisStart)))
	mux.Handle("/api/analysis/status", a.withJSON(a.withSession(a.handleAnalysisStatus)))
	mux.Handle("/api/notify/email", a.withJSON(a.withSession(a.handleNotifyEmail)))

	mux.Handle("/api/dashboard", a.withJSON(a.withSession(a.handleDashboard)))
	mux.Handle("/api/dashboard/filters", a.withJSON(a.withSession(a.handleFilters)))
	mux.Handle("/api/dashboard/select", a.withJSON(a.withSession(a.handleSelect)))
	mux.Handle("/api/dashboard/more", a.withJSON(a.withSession(a.handleLoadMore)))
	mux.Handle("/api/dashboard/delete", a.withJSON(a.withSession(a.handleDelete)))
	return mux
}

func (a *API) servePage(file string, rootOnly bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rootOnly && r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		http.ServeFileFS(w, r, WebFS, file)
	}
}

// handleLogin asks the backend for an OAuth redirect target. The browser
// follows authorization_url; the platform eventually redirects back to
// /callback with a session id and username.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res, err := a.client.Login(r.Context())
	if err != nil {
		respondBackendErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"authorization_url": res.AuthorizationURL,
		"state":             res.State,
	})
}

// handleCallback finishes the OAuth round trip: mint the local session,
// cache the profile, and tell the page where to go next. A protected
// account dead-ends at /account-private instead of analysis.
func (a *API) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	if oauthErr := q.Get("error"); oauthErr != "" {
		respondJSON(w, http.StatusOK, map[string]any{"next": "/connect", "error": oauthErr})
		return
	}
	backendSessionID := q.Get("session_id")
	if backendSessionID == "" {
		respondErr(w, http.StatusBadRequest, errors.New("no session id received"))
		return
	}
	username := strings.TrimPrefix(q.Get("username"), "@")

	sess, err := a.sessions.Create(r.Context(), backendSessionID, username)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}

	next := "/analyzing"
	profile, err := a.client.Me(r.Context(), backendSessionID)
	if err != nil {
		// The profile is cacheable later; the flow continues without it.
		log.Printf("server: profile fetch failed: %v", err)
	} else {
		if err := a.sessions.SaveProfile(r.Context(), sess.Token, profile); err != nil {
			log.Printf("server: profile cache failed: %v", err)
		}
		if profile.Protected {
			next = "/account-private"
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    sess.Token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.ExpiresAt,
	})
	respondJSON(w, http.StatusOK, map[string]any{"next": next, "username": username})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user": model.Profile{
			Username:       sess.Username,
			Name:           sess.Name,
			TweetCount:     sess.TweetCount,
			FollowersCount: sess.FollowersCount,
			Protected:      sess.Protected,
			AvatarURL:      sess.AvatarURL,
		},
		"ready": sess.Ready(),
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := a.sessions.Delete(r.Context(), sess.Token); err != nil {
		log.Printf("server: session delete failed: %v", err)
	}
	a.runner.Forget(sess.Token)
	a.mu.Lock()
	delete(a.boards, sess.Token)
	a.mu.Unlock()
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	})
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleEstimate(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	est, err := a.client.EstimateTime(r.Context(), sess.BackendSessionID)
	if err != nil {
		respondBackendErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"estimate":       est.Raw,
		"estimate_human": est.Humanize(),
		"tweet_count":    sess.TweetCount,
	})
}

func (a *API) handleAnalysisStart(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// The run outlives this request; it stops with server shutdown, not with
	// the page that kicked it off.
	err := a.runner.Start(context.Background(), sess.Token, sess.BackendSessionID, sess.TweetCount)
	if errors.Is(err, analysis.ErrAlreadyRunning) {
		state, _ := a.runner.State(sess.Token)
		respondJSON(w, http.StatusOK, map[string]any{"started": false, "state": state})
		return
	}
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	state, _ := a.runner.State(sess.Token)
	respondJSON(w, http.StatusOK, map[string]any{"started": true, "state": state})
}

func (a *API) handleAnalysisStatus(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	state, ok := a.runner.State(sess.Token)
	if !ok {
		respondErr(w, http.StatusNotFound, errors.New("no analysis running for this session"))
		return
	}
	// Doc refs land in the session row when the run completes; re-read so
	// the page learns the dashboard is ready.
	ready := false
	if fresh, err := a.sessions.Get(r.Context(), sess.Token); err == nil {
		ready = fresh.Ready()
	}
	respondJSON(w, http.StatusOK, map[string]any{"state": state, "ready": ready})
}

func (a *API) handleNotifyEmail(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Email        string `json:"email"`
		ConfirmEmail string `json:"confirm_email"`
	}
	if err := decodeJSON(r, a.cfg.MaxBodyBytes, &req); err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}
	if req.Email == "" || req.Email != req.ConfirmEmail {
		respondErr(w, http.StatusBadRequest, errors.New("emails are empty or do not match"))
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		respondErr(w, http.StatusBadRequest, errors.New("invalid email address"))
		return
	}
	if err := a.sessions.SetNotifyEmail(r.Context(), sess.Token, req.Email); err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	// If the dashboard already exists the email goes out right away instead
	// of waiting for a run that already finished.
	if sess.Ready() {
		res, err := a.client.NotifyDashboard(r.Context(), sess.BackendSessionID, req.Email, a.cfg.DashboardURL)
		if err != nil {
			respondBackendErr(w, err)
			return
		}
		if res.Sent || res.AlreadySent {
			_ = a.sessions.MarkNotified(r.Context(), sess.Token)
		}
		respondJSON(w, http.StatusOK, map[string]any{"ok": true, "sent": res.Sent, "already_sent": res.AlreadySent})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "sent": false})
}

// board returns the session's dashboard state, building it from the stored
// documents on first use. Missing doc refs are the dashboard's fatal
// precondition: the page gets an error state, never a partial render.
func (a *API) board(ctx context.Context, sess *session.Session) (*dashboard.Dashboard, error) {
	a.mu.Lock()
	if b, ok := a.boards[sess.Token]; ok {
		a.mu.Unlock()
		return b, nil
	}
	a.mu.Unlock()

	if !sess.Ready() {
		return nil, errMissingDocs
	}

	data, err := a.client.FetchData(ctx, sess.BackendSessionID, sess.TweetsDocID, sess.ClassificationDocID)
	if err != nil {
		return nil, err
	}

	metaMap := make(map[string]model.TweetMeta, len(data.Tweets))
	for _, t := range data.Tweets {
		if t.ID != "" {
			metaMap[t.ID] = t
		}
	}

	selfHandle := sess.Username
	if data.UserInfo != nil && data.UserInfo.Username != "" {
		selfHandle = data.UserInfo.Username
	}

	summaryLabels := make([]string, 0, len(data.SummaryLabels))
	for l := range data.SummaryLabels {
		summaryLabels = append(summaryLabels, l)
	}

	b := dashboard.New(data.Results, metaMap, selfHandle, summaryLabels)

	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.boards[sess.Token]; ok {
		return existing, nil
	}
	a.boards[sess.Token] = b
	return b, nil
}

var errMissingDocs = errors.New("no stored analysis found for this session; analyze your account first")

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	b, err := a.board(r.Context(), sess)
	if err != nil {
		respondBoardErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"view": b.Snapshot(),
		"profile": map[string]any{
			"username":   sess.Username,
			"name":       sess.Name,
			"avatar_url": sess.AvatarURL,
		},
	})
}

func (a *API) handleFilters(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Dimension string `json:"dimension"`
		Value     string `json:"value"`
	}
	if err := decodeJSON(r, a.cfg.MaxBodyBytes, &req); err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}
	b, err := a.board(r.Context(), sess)
	if err != nil {
		respondBoardErr(w, err)
		return
	}
	switch req.Dimension {
	case "content":
		b.ToggleContentFilter(req.Value)
	case "risk":
		b.ToggleRiskFilter(model.RiskLevel(req.Value))
	case "type":
		b.TogglePostTypeFilter(model.PostType(req.Value))
	default:
		respondErr(w, http.StatusBadRequest, errors.New("unknown filter dimension"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"view": b.Snapshot()})
}

func (a *API) handleSelect(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ID  int64 `json:"id"`
		All bool  `json:"all"`
	}
	if err := decodeJSON(r, a.cfg.MaxBodyBytes, &req); err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}
	b, err := a.board(r.Context(), sess)
	if err != nil {
		respondBoardErr(w, err)
		return
	}
	if req.All {
		b.ToggleSelectAll()
	} else {
		b.ToggleSelect(req.ID)
	}
	respondJSON(w, http.StatusOK, map[string]any{"view": b.Snapshot()})
}

func (a *API) handleLoadMore(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Observed int `json:"observed"`
	}
	if err := decodeJSON(r, a.cfg.MaxBodyBytes, &req); err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}
	b, err := a.board(r.Context(), sess)
	if err != nil {
		respondBoardErr(w, err)
		return
	}
	b.LoadMore(req.Observed)
	respondJSON(w, http.StatusOK, map[string]any{"view": b.Snapshot()})
}

// handleDelete performs the bulk deletion against the backend and narrows
// the board to exactly the items still needing attention: succeeded ids
// leave the collection and the selection in one step, failed ids stay.
func (a *API) handleDelete(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if err := decodeJSON(r, a.cfg.MaxBodyBytes, &req); err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}
	b, err := a.board(r.Context(), sess)
	if err != nil {
		respondBoardErr(w, err)
		return
	}
	ids := req.IDs
	if len(ids) == 0 {
		ids = b.SelectedIDs()
	}
	if len(ids) == 0 {
		respondErr(w, http.StatusBadRequest, errors.New("nothing selected"))
		return
	}

	res, err := a.client.DeleteTweets(r.Context(), sess.BackendSessionID, sess.TweetsDocID, ids)
	var rateErr *backend.RateLimitError
	if errors.As(err, &rateErr) {
		respondJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":               "rate limited",
			"retry_after_seconds": int(rateErr.RetryAfter.Seconds()),
		})
		return
	}
	if err != nil {
		respondBackendErr(w, err)
		return
	}

	deleted := make([]int64, 0, len(res.Results))
	for _, outcome := range res.Results {
		if outcome.Deleted {
			deleted = append(deleted, outcome.TweetID)
		}
	}
	b.Remove(deleted)

	respondJSON(w, http.StatusOK, map[string]any{
		"results":       res.Results,
		"deleted_count": res.DeletedCount,
		"failed_count":  res.FailedCount,
		"view":          b.Snapshot(),
	})
}

type sessionHandler func(http.ResponseWriter, *http.Request, *session.Session)

func (a *API) withSession(next sessionHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(session.CookieName)
		if err != nil {
			respondErr(w, http.StatusUnauthorized, errors.New("sign in required"))
			return
		}
		sess, err := a.sessions.Get(r.Context(), c.Value)
		if errors.Is(err, session.ErrNotFound) {
			respondErr(w, http.StatusUnauthorized, errors.New("sign in required"))
			return
		}
		if err != nil {
			respondErr(w, http.StatusInternalServerError, err)
			return
		}
		next(w, r, sess)
	})
}

func (a *API) withJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		next.ServeHTTP(w, r)
	})
}

// WithLogging logs each request with its duration.
func WithLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func decodeJSON(r *http.Request, maxBody int64, out any) error {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func respondJSON(w http.ResponseWriter, code int, payload any) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondErr(w http.ResponseWriter, code int, err error) {
	respondJSON(w, code, map[string]any{"error": err.Error()})
}

// respondBackendErr maps failures of the remote analysis API onto this
// server's responses: its status codes pass through, transport failures
// become a 502.
func respondBackendErr(w http.ResponseWriter, err error) {
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		respondErr(w, apiErr.Status, err)
		return
	}
	respondErr(w, http.StatusBadGateway, err)
}

func respondBoardErr(w http.ResponseWriter, err error) {
	if errors.Is(err, errMissingDocs) {
		respondErr(w, http.StatusConflict, err)
		return
	}
	respondBackendErr(w, err)
}
