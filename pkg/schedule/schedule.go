// Package schedule manages a session's deferred assistant invocations
// and the recurring maintenance deadline. The underlying store exposes
// at most one pending wake-up per session, so every arm point recomputes
// the earliest deadline over all pending jobs plus maintenance rather
// than trusting a previously armed time.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shiyoukh/cf-ai-agent/pkg/store"
)

// DefaultMaintenancePeriod is the interval between maintenance runs.
const DefaultMaintenancePeriod = 24 * time.Hour

// DefaultImmediateThreshold is the horizon under which a schedule
// request runs inline instead of through the timer path. Platform timer
// jitter makes arming for near-immediate deadlines unreliable.
const DefaultImmediateThreshold = 30 * time.Second

// Job is one deferred assistant invocation.
type Job struct {
	// ID is the unique job identifier.
	ID string `json:"id"`
	// DueAt is when the job should fire.
	DueAt time.Time `json:"dueAt"`
	// Prompt is passed to the assistant as the final user turn.
	Prompt string `json:"prompt"`
}

// NewJob creates a job with a fresh ID.
func NewJob(dueAt time.Time, prompt string) Job {
	return Job{
		ID:     uuid.New().String(),
		DueAt:  dueAt,
		Prompt: prompt,
	}
}

// Partition splits jobs into due (dueAt <= now) and future, with due
// jobs ordered by ascending dueAt, stable by insertion for ties.
func Partition(jobs []Job, now time.Time) (due, future []Job) {
	for _, j := range jobs {
		if !j.DueAt.After(now) {
			due = append(due, j)
		} else {
			future = append(future, j)
		}
	}
	sort.SliceStable(due, func(i, k int) bool {
		return due[i].DueAt.Before(due[k].DueAt)
	})
	return due, future
}

// NextWake returns the earliest deadline over the future jobs and the
// maintenance due time. Maintenance always recurs, so the result is
// never zero when maintenanceAt is set.
func NextWake(future []Job, maintenanceAt time.Time) time.Time {
	next := maintenanceAt
	for _, j := range future {
		if j.DueAt.Before(next) {
			next = j.DueAt
		}
	}
	return next
}

const (
	jobsKey        = "jobs"
	maintenanceKey = "nextMaintenanceAt"
)

// Queue persists one session's pending jobs and maintenance deadline.
// Not safe for concurrent use; the session actor serializes access.
type Queue struct {
	store     store.Store
	sessionID string
}

// NewQueue creates a queue for one session.
func NewQueue(st store.Store, sessionID string) *Queue {
	return &Queue{store: st, sessionID: sessionID}
}

// Load returns the pending jobs in insertion order.
func (q *Queue) Load(ctx context.Context) ([]Job, error) {
	data, err := q.store.Get(ctx, q.sessionID, jobsKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load jobs: %w", err)
	}

	var jobs []Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("unmarshal jobs: %w", err)
	}
	return jobs, nil
}

// Save replaces the pending job set.
func (q *Queue) Save(ctx context.Context, jobs []Job) error {
	if jobs == nil {
		jobs = []Job{}
	}
	data, err := json.Marshal(jobs)
	if err != nil {
		return fmt.Errorf("marshal jobs: %w", err)
	}
	return q.store.Put(ctx, q.sessionID, jobsKey, data)
}

// Add appends a job to the pending set.
func (q *Queue) Add(ctx context.Context, job Job) error {
	jobs, err := q.Load(ctx)
	if err != nil {
		return err
	}
	return q.Save(ctx, append(jobs, job))
}

// MaintenanceAt returns the next maintenance deadline.
// Returns store.ErrNotFound when the session has never armed one.
func (q *Queue) MaintenanceAt(ctx context.Context) (time.Time, error) {
	data, err := q.store.Get(ctx, q.sessionID, maintenanceKey)
	if err != nil {
		return time.Time{}, err
	}

	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse maintenance time: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// SetMaintenanceAt persists the next maintenance deadline.
func (q *Queue) SetMaintenanceAt(ctx context.Context, at time.Time) error {
	val := strconv.FormatInt(at.UnixMilli(), 10)
	return q.store.Put(ctx, q.sessionID, maintenanceKey, []byte(val))
}
