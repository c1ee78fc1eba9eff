package repository

import (
	"context"
	"encoding/json"

	"qbtrade/internal/domain/models"
	"qbtrade/internal/domain/repository"
	"qbtrade/pkg/queue"
)

// Job type names on the archive queue.
const (
	JobArchiveOrder = "archive.order"
	JobArchiveFill  = "archive.fill"
)

// QueuedArchive routes archive writes through a durable job queue so a slow
// or unavailable warehouse never backs up the order path. The queue workers
// hand completed jobs to the inner archive.
type QueuedArchive struct {
	q     queue.Service
	inner repository.HistoryArchive
}

// NewQueuedArchive wraps inner with the queue producer side.
func NewQueuedArchive(q queue.Service, inner repository.HistoryArchive) *QueuedArchive {
	return &QueuedArchive{q: q, inner: inner}
}

func (a *QueuedArchive) ArchiveOrder(ctx context.Context, o *models.Order) error {
	return a.q.Enqueue(ctx, JobArchiveOrder, o)
}

func (a *QueuedArchive) ArchiveFill(ctx context.Context, f *models.Fill) error {
	return a.q.Enqueue(ctx, JobArchiveFill, f)
}

func (a *QueuedArchive) Close() error { return a.inner.Close() }

// OrderArchiveJob is the consumer-side handler for order jobs.
type OrderArchiveJob struct {
	Inner repository.HistoryArchive
}

func (j *OrderArchiveJob) Type() string { return JobArchiveOrder }

func (j *OrderArchiveJob) Handle(ctx context.Context, payload json.RawMessage) error {
	var o models.Order
	if err := json.Unmarshal(payload, &o); err != nil {
		return err
	}
	return j.Inner.ArchiveOrder(ctx, &o)
}

// FillArchiveJob is the consumer-side handler for fill jobs.
type FillArchiveJob struct {
	Inner repository.HistoryArchive
}

func (j *FillArchiveJob) Type() string { return JobArchiveFill }

func (j *FillArchiveJob) Handle(ctx context.Context, payload json.RawMessage) error {
	var f models.Fill
	if err := json.Unmarshal(payload, &f); err != nil {
		return err
	}
	return j.Inner.ArchiveFill(ctx, &f)
}
