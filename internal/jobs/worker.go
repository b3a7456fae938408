package jobs

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/rs/zerolog"
)

// ClusterRefresher is the slice of the cluster builder the worker needs.
type ClusterRefresher interface {
	RebuildForCategory(ctx context.Context, userID uint64, category, tagName string, force bool) error
}

// Worker drains the queue, retrying failed cluster refreshes until their
// attempt budget runs out.
type Worker struct {
	ID       string
	Repo     *Repo
	Clusters ClusterRefresher
	Log      zerolog.Logger
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(800 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := w.Repo.Claim(w.ID)
			if err != nil {
				w.Log.Error().Err(err).Msg("worker claim error")
				continue
			}
			if job == nil {
				continue
			}
			w.handle(ctx, job)
		}
	}
}

func (w *Worker) handle(ctx context.Context, job *Job) {
	switch job.Type {
	case TypeClusterRefresh:
		w.handleClusterRefresh(ctx, job)
	default:
		_ = w.Repo.MarkFailed(job.ID, "unknown job type")
	}
}

func (w *Worker) handleClusterRefresh(ctx context.Context, job *Job) {
	var p ClusterRefreshPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		_ = w.Repo.MarkFailed(job.ID, "bad payload")
		return
	}
	if p.TagName == "" || p.Category == "" {
		_ = w.Repo.MarkFailed(job.ID, "bad payload")
		return
	}

	if err := w.Clusters.RebuildForCategory(ctx, job.UserID, p.Category, p.TagName, false); err != nil {
		w.Log.Warn().Err(err).
			Uint64("user_id", job.UserID).
			Str("tag", p.TagName).Str("category", p.Category).
			Msg("deferred cluster refresh failed")
		w.retry(job, err.Error())
		return
	}

	w.Log.Info().
		Uint64("user_id", job.UserID).
		Str("tag", p.TagName).Str("category", p.Category).
		Msg("deferred cluster refresh done")
	_ = w.Repo.MarkDone(job.ID)
}

func (w *Worker) retry(job *Job, errMsg string) {
	attempts := job.Attempts + 1
	if attempts >= job.MaxAttempts {
		_ = w.Repo.MarkFailed(job.ID, errMsg)
		return
	}

	sec := math.Min(math.Pow(2, float64(attempts)), 600)
	next := time.Now().Add(time.Duration(sec) * time.Second)

	_ = w.Repo.RetryLater(job.ID, attempts, next, errMsg)
}
