// Package actor implements the per-conversation session actor: a
// single-writer state machine owning one session's history, pending
// jobs, admission buckets, and the single wake-up timer slot. All entry
// points funnel through one goroutine per actor, so state is accessed
// without locks.
package actor

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/shiyoukh/cf-ai-agent/internal/observability"
	"github.com/shiyoukh/cf-ai-agent/pkg/history"
	"github.com/shiyoukh/cf-ai-agent/pkg/llm/provider"
	metrics "github.com/shiyoukh/cf-ai-agent/pkg/observability"
	"github.com/shiyoukh/cf-ai-agent/pkg/ratelimit"
	"github.com/shiyoukh/cf-ai-agent/pkg/schedule"
	"github.com/shiyoukh/cf-ai-agent/pkg/store"
)

// Config bounds a session actor's behavior.
type Config struct {
	// Limits bounds retained history.
	Limits history.Limits
	// ChatPolicy admits ordinary chat turns.
	ChatPolicy ratelimit.Policy
	// SchedulePolicy admits schedule requests. Stricter than chat since
	// each admitted call can trigger an inference invocation.
	SchedulePolicy ratelimit.Policy
	// MaintenancePeriod is the interval between maintenance runs.
	MaintenancePeriod time.Duration
	// ImmediateThreshold is the horizon under which schedule requests
	// run inline instead of through the timer.
	ImmediateThreshold time.Duration
	// MaxTurnChars caps a single chat message's length.
	MaxTurnChars int
}

// DefaultConfig returns the standard actor configuration.
func DefaultConfig() Config {
	return Config{
		Limits:             history.DefaultLimits(),
		ChatPolicy:         ratelimit.Policy{RatePerMinute: 30, Burst: 10},
		SchedulePolicy:     ratelimit.Policy{RatePerMinute: 6, Burst: 3},
		MaintenancePeriod:  schedule.DefaultMaintenancePeriod,
		ImmediateThreshold: schedule.DefaultImmediateThreshold,
		MaxTurnChars:       4000,
	}
}

// ChatResult is the outcome of a handled chat turn.
type ChatResult struct {
	// Reply is the assistant's response.
	Reply string `json:"reply"`
	// History is the full post-turn history. Clients should replace
	// local state with it rather than append to their own copy.
	History []history.Turn `json:"history"`
}

// ScheduleMode distinguishes inline execution from deferred jobs.
type ScheduleMode string

const (
	ModeImmediate ScheduleMode = "immediate"
	ModeScheduled ScheduleMode = "scheduled"
)

// ScheduleResult is the outcome of a schedule request.
type ScheduleResult struct {
	// JobID identifies the created job (empty in immediate mode).
	JobID string `json:"id,omitempty"`
	// Mode reports how the request was executed.
	Mode ScheduleMode `json:"mode"`
	// Reply is the assistant's response in immediate mode.
	Reply string `json:"reply,omitempty"`
}

// Actor is one session's serialized state owner.
type Actor struct {
	id      string
	store   store.Store
	ledger  *history.Ledger
	queue   *schedule.Queue
	limiter *ratelimit.Limiter
	gen     provider.Generator
	cfg     Config

	cmds chan func(context.Context)
	done chan struct{}

	// Timer slot state, touched only from the actor goroutine.
	timer   *time.Timer
	armedAt time.Time
	armed   bool

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a session actor. Call Start before using it.
func New(st store.Store, gen provider.Generator, sessionID string, cfg Config) *Actor {
	return &Actor{
		id:      sessionID,
		store:   st,
		ledger:  history.NewLedger(st, sessionID, cfg.Limits),
		queue:   schedule.NewQueue(st, sessionID),
		limiter: ratelimit.NewLimiter(st, sessionID),
		gen:     gen,
		cfg:     cfg,
		cmds:    make(chan func(context.Context)),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Start launches the actor goroutine and re-arms any persisted alarm.
// The actor runs until Stop is called or ctx is canceled.
func (a *Actor) Start(ctx context.Context) {
	go a.run(ctx)

	// A restarted process must honor the alarm the previous instance
	// armed, or a pending job would silently never fire.
	at, err := a.store.Alarm(ctx, a.id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("session %s: load alarm: %v", a.id, err)
		}
		return
	}
	_ = a.post(ctx, func(context.Context) error {
		a.arm(ctx, at)
		return nil
	})
}

// Stop terminates the actor goroutine. In-flight commands complete.
func (a *Actor) Stop() {
	close(a.done)
}

func (a *Actor) run(ctx context.Context) {
	defer func() {
		if a.timer != nil {
			a.timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case cmd := <-a.cmds:
			cmd(ctx)
		}
	}
}

// post runs fn on the actor goroutine and waits for its result. The
// caller's ctx only bounds the wait: once fn starts it completes with
// the actor's own context, so an abandoned request has no partial
// server-side effect beyond what fn already did.
func (a *Actor) post(ctx context.Context, fn func(context.Context) error) error {
	errc := make(chan error, 1)
	wrapped := func(runCtx context.Context) {
		errc <- fn(runCtx)
	}

	select {
	case a.cmds <- wrapped:
	case <-a.done:
		return errors.New("session actor stopped")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleChatTurn admits, validates, and executes one chat turn.
func (a *Actor) HandleChatTurn(ctx context.Context, clientKey, text string) (*ChatResult, error) {
	var res *ChatResult
	err := a.post(ctx, func(runCtx context.Context) error {
		var err error
		res, err = a.chatTurn(runCtx, clientKey, text)
		return err
	})
	return res, err
}

func (a *Actor) chatTurn(ctx context.Context, clientKey, text string) (*ChatResult, error) {
	ctx, span := observability.StartSpan(ctx, "actor.chat_turn")
	defer span.End()

	ok, err := a.limiter.Allow(ctx, clientKey, a.cfg.ChatPolicy)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.RecordRateLimitReject("chat")
		return nil, ErrRateLimited
	}

	if text == "" {
		return nil, validationf("message text is empty")
	}
	if len(text) > a.cfg.MaxTurnChars {
		return nil, validationf("message exceeds %d characters", a.cfg.MaxTurnChars)
	}

	turns, err := a.ledger.Load(ctx)
	if err != nil {
		return nil, err
	}

	now := a.now().UTC()
	userTurn := history.NewTurn(history.RoleUser, text, now)

	reply, err := a.generate(ctx, append(turns, userTurn))
	if err != nil {
		metrics.RecordChatTurn("error")
		return nil, &UpstreamError{Err: err}
	}

	assistantTurn := history.NewTurn(history.RoleAssistant, reply, a.now().UTC())
	appended := append(turns, userTurn, assistantTurn)
	persisted, err := a.ledger.Persist(ctx, appended, now)
	if err != nil {
		return nil, err
	}
	metrics.RecordChatTurn("ok")
	metrics.RecordTurnsPruned(len(appended) - len(persisted))

	return &ChatResult{Reply: reply, History: persisted}, nil
}

// HandleScheduleRequest admits and validates a deferred invocation
// request, running it inline when the due time is near.
func (a *Actor) HandleScheduleRequest(ctx context.Context, clientKey string, dueAt time.Time, prompt string) (*ScheduleResult, error) {
	var res *ScheduleResult
	err := a.post(ctx, func(runCtx context.Context) error {
		var err error
		res, err = a.scheduleRequest(runCtx, clientKey, dueAt, prompt)
		return err
	})
	return res, err
}

func (a *Actor) scheduleRequest(ctx context.Context, clientKey string, dueAt time.Time, prompt string) (*ScheduleResult, error) {
	ctx, span := observability.StartSpan(ctx, "actor.schedule_request")
	defer span.End()

	ok, err := a.limiter.Allow(ctx, clientKey, a.cfg.SchedulePolicy)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.RecordRateLimitReject("schedule")
		return nil, ErrRateLimited
	}

	now := a.now().UTC()
	if prompt == "" {
		return nil, validationf("prompt is empty")
	}
	if dueAt.IsZero() {
		return nil, validationf("due time is not set")
	}
	if dueAt.Before(now) {
		return nil, validationf("due time is in the past")
	}

	// Near-immediate deadlines run inline: platform timer jitter makes
	// arming for them unreliable, and the caller gets the reply now.
	if dueAt.Sub(now) < a.cfg.ImmediateThreshold {
		turns, err := a.ledger.Load(ctx)
		if err != nil {
			return nil, err
		}

		reply, err := a.runJobPrompt(ctx, turns, prompt, now)
		if err != nil {
			return nil, &UpstreamError{Err: err}
		}
		metrics.RecordJobScheduled(string(ModeImmediate))
		return &ScheduleResult{Mode: ModeImmediate, Reply: reply}, nil
	}

	job := schedule.NewJob(dueAt.UTC(), prompt)
	if err := a.queue.Add(ctx, job); err != nil {
		return nil, err
	}

	// The marker turn makes the pending job visible to history readers
	// before it fires.
	marker := history.NewTurn(history.RoleSystem,
		"Scheduled assistant follow-up for "+job.DueAt.Format(time.RFC3339), now)
	if _, err := a.ledger.Append(ctx, marker); err != nil {
		return nil, err
	}

	// Arm only when this improves on the current deadline; the wake
	// handler re-derives the true minimum on every fire, so arming
	// earlier is always safe and arming later never happens here.
	if !a.armed || job.DueAt.Before(a.armedAt) {
		a.arm(ctx, job.DueAt)
	}

	metrics.RecordJobScheduled(string(ModeScheduled))
	return &ScheduleResult{JobID: job.ID, Mode: ModeScheduled}, nil
}

// HandleHistoryQuery returns the session's full history.
func (a *Actor) HandleHistoryQuery(ctx context.Context) ([]history.Turn, error) {
	var turns []history.Turn
	err := a.post(ctx, func(runCtx context.Context) error {
		var err error
		turns, err = a.ledger.Load(runCtx)
		return err
	})
	return turns, err
}

// HandleHistoryClear deletes the history and all pending jobs.
func (a *Actor) HandleHistoryClear(ctx context.Context) error {
	return a.post(ctx, func(runCtx context.Context) error {
		return a.ledger.Clear(runCtx)
	})
}

// OnWakeUp is the timer-fired entry point. The platform timer delivers
// here; tests and the registry may also invoke it directly.
func (a *Actor) OnWakeUp(ctx context.Context) error {
	return a.post(ctx, a.wake)
}

func (a *Actor) wake(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "actor.wake_up")
	defer span.End()

	metrics.RecordWakeUp()
	a.armed = false
	now := a.now().UTC()

	jobs, err := a.queue.Load(ctx)
	if err != nil {
		return err
	}
	due, future := schedule.Partition(jobs, now)

	turns, err := a.ledger.Load(ctx)
	if err != nil {
		return err
	}

	// A job that fails is dropped rather than retried: retry with the
	// same due time would immediately re-fire.
	for _, job := range due {
		reply, err := a.generateForJob(ctx, turns, job.Prompt)
		if err != nil {
			log.Printf("session %s: job %s failed: %v", a.id, job.ID, err)
			metrics.RecordJobFired("error")
			continue
		}
		turns = append(turns, history.NewTurn(history.RoleAssistant, reply, a.now().UTC()))
		metrics.RecordJobFired("ok")
	}

	persisted, err := a.ledger.Persist(ctx, turns, now)
	if err != nil {
		return err
	}
	metrics.RecordTurnsPruned(len(turns) - len(persisted))

	maintAt, err := a.queue.MaintenanceAt(ctx)
	if errors.Is(err, store.ErrNotFound) {
		// First run for this session: nothing due yet.
		maintAt = now.Add(a.cfg.MaintenancePeriod)
	} else if err != nil {
		return err
	}

	if !now.Before(maintAt) {
		// Re-prune even with no new turns so idle sessions still
		// enforce their retention bounds.
		if _, err := a.ledger.Compact(ctx, now); err != nil {
			return err
		}
		// Re-armed relative to now, not the previous deadline; drifts
		// under irregular traffic but stays within one period.
		maintAt = now.Add(a.cfg.MaintenancePeriod)
		metrics.RecordMaintenanceRun()
	}

	if err := a.queue.Save(ctx, future); err != nil {
		return err
	}
	if err := a.queue.SetMaintenanceAt(ctx, maintAt); err != nil {
		return err
	}

	// Maintenance always recurs, so the actor never goes idle in steady
	// state: there is always a next wake-up.
	a.arm(ctx, schedule.NextWake(future, maintAt))
	return nil
}

// runJobPrompt executes a job inline and appends only the assistant's
// reply; the prompt itself is an ephemeral final user turn.
func (a *Actor) runJobPrompt(ctx context.Context, turns []history.Turn, prompt string, now time.Time) (string, error) {
	reply, err := a.generateForJob(ctx, turns, prompt)
	if err != nil {
		return "", err
	}

	appended := append(turns, history.NewTurn(history.RoleAssistant, reply, a.now().UTC()))
	persisted, err := a.ledger.Persist(ctx, appended, now)
	if err != nil {
		return "", err
	}
	metrics.RecordTurnsPruned(len(appended) - len(persisted))
	return reply, nil
}

func (a *Actor) generateForJob(ctx context.Context, turns []history.Turn, prompt string) (string, error) {
	final := history.Turn{Role: history.RoleUser, Content: prompt, Timestamp: a.now().UTC()}
	return a.generate(ctx, append(turns[:len(turns):len(turns)], final))
}

func (a *Actor) generate(ctx context.Context, turns []history.Turn) (string, error) {
	messages := make([]provider.Message, len(turns))
	for i, t := range turns {
		messages[i] = provider.Message{Role: string(t.Role), Content: t.Content}
	}

	start := a.now()
	reply, err := a.gen.Generate(ctx, messages)
	metrics.RecordGeneration(a.now().Sub(start))
	return reply, err
}

// arm sets the single timer slot for time t, replacing any previous
// arm, and persists the alarm so a restart can re-arm it.
func (a *Actor) arm(ctx context.Context, t time.Time) {
	if err := a.store.SetAlarm(ctx, a.id, t); err != nil {
		log.Printf("session %s: persist alarm: %v", a.id, err)
	}

	d := t.Sub(a.now())
	if d < 0 {
		d = 0
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(d, a.fireTimer)
	a.armedAt = t
	a.armed = true
}

// fireTimer runs on the timer's goroutine and hands the wake-up to the
// actor goroutine, so a fire racing a request still serializes.
func (a *Actor) fireTimer() {
	cmd := func(ctx context.Context) {
		if err := a.wake(ctx); err != nil {
			log.Printf("session %s: wake-up failed: %v", a.id, err)
		}
	}

	select {
	case a.cmds <- cmd:
	case <-a.done:
	}
}
