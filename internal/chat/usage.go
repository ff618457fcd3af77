package chat

import (
	"context"
	"time"
)

// UsageEvent is an increment to one user's usage totals.
type UsageEvent struct {
	UserID          string    `json:"userId"`
	Messages        int       `json:"messages"`
	Tokens          int       `json:"tokens"`
	SessionsCreated int       `json:"sessionsCreated"`
	At              time.Time `json:"at"`
}

// UsageRecorder accepts usage increments. Accounting is best-effort: the
// service logs a failed Record and carries on.
type UsageRecorder interface {
	Record(ctx context.Context, ev UsageEvent) error
}

// DirectUsage writes increments straight to the profile table.
type DirectUsage struct {
	repo *Repo
}

func NewDirectUsage(repo *Repo) *DirectUsage {
	return &DirectUsage{repo: repo}
}

func (d *DirectUsage) Record(ctx context.Context, ev UsageEvent) error {
	return d.repo.ApplyUsage(ctx, ev)
}
