package export

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/hnsnap/internal/crawler"
)

// Notification announces a finished run.
type Notification struct {
	RunID       string             `json:"run_id"`
	Reason      crawler.StopReason `json:"reason"`
	Records     int                `json:"records"`
	Items       int                `json:"items"`
	Users       int                `json:"users"`
	Dropped     int64              `json:"dropped"`
	Failures    int64              `json:"failures"`
	SnapshotURI string             `json:"snapshot_uri,omitempty"`
	FinishedAt  time.Time          `json:"finished_at"`
}

// NewNotification summarizes res; snapshotURI may be empty.
func NewNotification(res crawler.Result, snapshotURI string) Notification {
	return Notification{
		RunID:       res.RunID,
		Reason:      res.Reason,
		Records:     res.Records,
		Items:       res.Items,
		Users:       res.Users,
		Dropped:     res.Queue.Dropped,
		Failures:    res.Errors.Total(),
		SnapshotURI: snapshotURI,
		FinishedAt:  res.Finished,
	}
}

// Notify publishes the completion notification for a run.
func Notify(ctx context.Context, pub crawler.Publisher, topic string, n Notification) (string, error) {
	id, err := pub.Publish(ctx, topic, n)
	if err != nil {
		return "", fmt.Errorf("publish run %s: %w", n.RunID, err)
	}
	return id, nil
}
