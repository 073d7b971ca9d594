package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
)

const (
	// EventJobFinished is the notification event name.
	EventJobFinished = "job.finished"
	notifyTimeout    = 10 * time.Second
)

// Notification is published when a job reaches a terminal state. An external
// mailer delivers it to NotifyEmail.
type Notification struct {
	Event       string           `json:"event"`
	JobID       string           `json:"job_id"`
	Status      crawler.JobState `json:"status"`
	NotifyEmail string           `json:"notify_email,omitempty"`
	Snapshot    crawler.Snapshot `json:"snapshot"`
}

// Attributes lets subscribers filter without decoding the body.
func (n Notification) Attributes() map[string]string {
	return map[string]string{
		"event":  n.Event,
		"job_id": n.JobID,
		"status": string(n.Status),
	}
}

// notify publishes the job.finished event. Failures are logged only.
func (r *Runner) notify(snap crawler.Snapshot, email string) {
	if r.publisher == nil || r.cfg.NotifyTopic == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	msg := Notification{
		Event:       EventJobFinished,
		JobID:       snap.JobID,
		Status:      snap.Status,
		NotifyEmail: email,
		Snapshot:    snap,
	}
	id, err := r.publisher.Publish(ctx, r.cfg.NotifyTopic, msg)
	if err != nil {
		r.logger.Warn("publish job notification failed", zap.String("job_id", snap.JobID), zap.Error(err))
		return
	}
	r.logger.Debug("job notification published", zap.String("job_id", snap.JobID), zap.String("message_id", id))
}
