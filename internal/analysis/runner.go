// Package analysis orchestrates one account scan: time estimate, the remote
// search job with its polling loop, risk classification, and the
// dashboard-ready email. One run per session; the pages poll RunState
// snapshots the same way the results screen polls the dashboard.
package analysis

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"backcheck/internal/backend"
)

// Phase values exposed to the analyzing page.
const (
	PhaseEstimating  = "estimating"
	PhaseSearching   = "searching"
	PhaseSaving      = "saving"
	PhaseRateLimited = "waiting_rate_limit"
	PhaseClassifying = "classifying"
	PhaseCompleted   = "completed"
	PhaseError       = "error"
)

var ErrAlreadyRunning = errors.New("analysis already running for this session")

// SessionSaver persists the run's durable document references and resolves
// the notification email, keeping this package free of storage details.
type SessionSaver interface {
	SaveDocRefs(ctx context.Context, token, tweetsDocID, classificationDocID string) error
	NotificationTarget(ctx context.Context, token string) (email string, alreadySent bool, err error)
	MarkNotified(ctx context.Context, token string) error
}

// RunState is a point-in-time snapshot of one analysis run.
type RunState struct {
	RunID           string    `json:"run_id"`
	Phase           string    `json:"phase"`
	JobID           string    `json:"job_id,omitempty"`
	Estimate        string    `json:"estimate,omitempty"`
	EstimateHuman   string    `json:"estimate_human,omitempty"`
	TweetsFetched   int       `json:"tweets_fetched"`
	CurrentPage     int       `json:"current_page"`
	ProgressPercent int       `json:"progress_percent"`
	Message         string    `json:"message,omitempty"`
	RateLimitUntil  string    `json:"rate_limit_until,omitempty"`
	Error           string    `json:"error,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at,omitempty"`
}

// Runner starts and tracks analysis runs keyed by session token.
type Runner struct {
	client       *backend.Client
	sessions     SessionSaver
	pollInterval time.Duration
	maxTweets    int
	dashboardURL string

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	mu    sync.Mutex
	state RunState
}

func New(client *backend.Client, sessions SessionSaver, pollInterval time.Duration, maxTweets int, dashboardURL string) *Runner {
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	return &Runner{
		client:       client,
		sessions:     sessions,
		pollInterval: pollInterval,
		maxTweets:    maxTweets,
		dashboardURL: dashboardURL,
		runs:         make(map[string]*run),
	}
}

// Start launches the scan for a session. A second Start for the same token
// while a run exists returns ErrAlreadyRunning; the page re-entering the
// analyzing view must not double-launch the job.
func (r *Runner) Start(ctx context.Context, token, backendSessionID string, estimatedTotal int) error {
	r.mu.Lock()
	if _, exists := r.runs[token]; exists {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	rn := &run{state: RunState{
		RunID:     uuid.NewString(),
		Phase:     PhaseEstimating,
		StartedAt: time.Now(),
	}}
	r.runs[token] = rn
	r.mu.Unlock()

	go r.execute(ctx, rn, token, backendSessionID, estimatedTotal)
	return nil
}

// State returns the snapshot for a session's run, if one was started.
func (r *Runner) State(token string) (RunState, bool) {
	r.mu.Lock()
	rn, ok := r.runs[token]
	r.mu.Unlock()
	if !ok {
		return RunState{}, false
	}
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return rn.state, true
}

// Forget drops a finished run so the session can start over.
func (r *Runner) Forget(token string) {
	r.mu.Lock()
	delete(r.runs, token)
	r.mu.Unlock()
}

func (rn *run) update(fn func(*RunState)) {
	rn.mu.Lock()
	fn(&rn.state)
	rn.mu.Unlock()
}

func (rn *run) fail(msg string) {
	rn.update(func(s *RunState) {
		s.Phase = PhaseError
		s.Error = msg
		s.CompletedAt = time.Now()
	})
}

func (r *Runner) execute(ctx context.Context, rn *run, token, sessionID string, estimatedTotal int) {
	runID := rn.state.RunID
	log.Printf("analysis: run %s started (session=%s)", runID, sessionID)

	if est, err := r.client.EstimateTime(ctx, sessionID); err != nil {
		// The estimate is cosmetic; the scan proceeds without it.
		log.Printf("analysis: run %s estimate failed: %v", runID, err)
	} else {
		rn.update(func(s *RunState) {
			s.Estimate = est.Raw
			s.EstimateHuman = est.Humanize()
		})
	}

	rn.update(func(s *RunState) { s.Phase = PhaseSearching })
	jobID, err := r.client.StartSearch(ctx, sessionID, r.maxTweets)
	if err != nil {
		log.Printf("analysis: run %s search start failed: %v", runID, err)
		rn.fail(err.Error())
		return
	}
	rn.update(func(s *RunState) { s.JobID = jobID })
	log.Printf("analysis: run %s search job %s started", runID, jobID)

	result, err := r.pollUntilDone(ctx, rn, jobID, estimatedTotal)
	if err != nil {
		log.Printf("analysis: run %s search job failed: %v", runID, err)
		rn.fail(err.Error())
		return
	}

	rn.update(func(s *RunState) { s.Phase = PhaseClassifying })
	cls, err := r.client.ClassifyTweets(ctx, sessionID, result.Tweets)
	if err != nil {
		log.Printf("analysis: run %s classification failed: %v", runID, err)
		rn.fail(err.Error())
		return
	}
	log.Printf("analysis: run %s classified %d tweet(s) in %s", runID, cls.TotalTweets, cls.ExecutionTime)

	if err := r.sessions.SaveDocRefs(ctx, token, result.DocID, cls.DocID); err != nil {
		log.Printf("analysis: run %s save doc refs failed: %v", runID, err)
		rn.fail(err.Error())
		return
	}

	rn.update(func(s *RunState) {
		s.Phase = PhaseCompleted
		s.ProgressPercent = 100
		s.CompletedAt = time.Now()
	})
	log.Printf("analysis: run %s completed", runID)

	r.notify(ctx, token, sessionID, runID)
}

// pollUntilDone watches the search job on a fixed interval until it reaches
// a terminal status or ctx is cancelled. The ticker always stops with the
// loop; a finished job never keeps a timer alive.
func (r *Runner) pollUntilDone(ctx context.Context, rn *run, jobID string, estimatedTotal int) (*backend.JobResult, error) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		status, err := r.client.PollJob(ctx, jobID)
		if err != nil {
			// Transient poll failures keep the loop alive; the job is still
			// running server-side.
			log.Printf("analysis: poll job %s: %v", jobID, err)
			continue
		}

		rn.update(func(s *RunState) {
			if status.TotalTweets > 0 {
				s.TweetsFetched = status.TotalTweets
				total := estimatedTotal
				if total <= 0 {
					total = 1000
				}
				pct := status.TotalTweets * 100 / total
				if pct > 99 {
					pct = 99
				}
				s.ProgressPercent = pct
			}
			s.CurrentPage = status.CurrentPage
			s.Message = status.Message
			switch {
			case status.Status == "waiting_rate_limit":
				s.Phase = PhaseRateLimited
				s.RateLimitUntil = status.WaitUntil
			case strings.Contains(status.Message, "Guardando"):
				s.Phase = PhaseSaving
				s.RateLimitUntil = ""
			default:
				s.Phase = PhaseSearching
				s.RateLimitUntil = ""
			}
		})

		if !status.Terminal() {
			continue
		}
		if status.Status == "error" {
			msg := status.Error
			if msg == "" {
				msg = "search job failed"
			}
			return nil, errors.New(msg)
		}
		if status.Result == nil || status.Result.DocID == "" {
			return nil, errors.New("search job completed without a result document")
		}
		return status.Result, nil
	}
}

func (r *Runner) notify(ctx context.Context, token, sessionID, runID string) {
	email, alreadySent, err := r.sessions.NotificationTarget(ctx, token)
	if err != nil {
		log.Printf("analysis: run %s notification lookup failed: %v", runID, err)
		return
	}
	if email == "" || alreadySent {
		return
	}
	res, err := r.client.NotifyDashboard(ctx, sessionID, email, r.dashboardURL)
	if err != nil {
		// Fire and forget: the dashboard is ready either way.
		log.Printf("analysis: run %s notification failed: %v", runID, err)
		return
	}
	if res.Sent || res.AlreadySent {
		if err := r.sessions.MarkNotified(ctx, token); err != nil {
			log.Printf("analysis: run %s mark notified failed: %v", runID, err)
		}
	}
}
