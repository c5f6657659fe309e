package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campus-arp/arp-api/pkg/jobs"
	"github.com/campus-arp/arp-api/pkg/mailer"
)

// NotificationKind maps 1:1 to lifecycle transitions.
type NotificationKind string

const (
	NotifyRecordSubmitted   NotificationKind = "record_submitted"
	NotifyRecordResubmitted NotificationKind = "record_resubmitted"
	NotifyRecordApproved    NotificationKind = "record_approved"
	NotifyRecordRejected    NotificationKind = "record_rejected"
	NotifyRecordWithdrawn   NotificationKind = "record_withdrawn"
)

// Notification is one templated message to a lifecycle counterpart.
type Notification struct {
	Kind           NotificationKind
	RecipientName  string
	RecipientEmail string
	Fields         map[string]string
}

// NotifierServiceConfig tunes the background dispatch queue.
type NotifierServiceConfig struct {
	Workers    int
	BufferSize int
}

// NotifierService delivers transition emails off the request path.
// Delivery is best-effort: failures are logged and never retried, and no
// lifecycle operation ever observes them.
type NotifierService struct {
	queue   *jobs.Queue
	mailer  mailer.Mailer
	metrics *MetricsService
	logger  *zap.Logger
}

// NewNotifierService constructs the service and its queue. Start must be
// called before any Dispatch.
func NewNotifierService(m mailer.Mailer, metrics *MetricsService, logger *zap.Logger, cfg NotifierServiceConfig) *NotifierService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &NotifierService{mailer: m, metrics: metrics, logger: logger}
	s.queue = jobs.NewQueue("notifications", s.handle, jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: cfg.BufferSize,
		Logger:     logger,
	})
	return s
}

// Start launches the dispatch workers.
func (s *NotifierService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the workers.
func (s *NotifierService) Stop() {
	s.queue.Stop()
}

// Dispatch hands the notification to the background queue. It never
// blocks the caller on delivery and never reports an error; an enqueue
// failure only produces a log line.
func (s *NotifierService) Dispatch(n Notification) {
	if n.RecipientEmail == "" {
		s.logger.Warn("notification dropped: no recipient", zap.String("kind", string(n.Kind)))
		return
	}
	err := s.queue.Enqueue(jobs.Job{
		ID:      uuid.NewString(),
		Type:    string(n.Kind),
		Payload: n,
	})
	if err != nil {
		s.logger.Warn("failed to enqueue notification",
			zap.String("kind", string(n.Kind)),
			zap.String("recipient", n.RecipientEmail),
			zap.Error(err),
		)
	}
}

// handle renders and sends one notification. It always returns nil so
// the queue never re-attempts delivery.
func (s *NotifierService) handle(ctx context.Context, job jobs.Job) error {
	n, ok := job.Payload.(Notification)
	if !ok {
		s.logger.Warn("notification job carried unexpected payload", zap.String("job_id", job.ID))
		return nil
	}
	subject, body := renderNotification(n)
	msg := mailer.Message{
		ToName:   n.RecipientName,
		ToEmail:  n.RecipientEmail,
		Subject:  subject,
		TextBody: body,
	}
	err := s.mailer.Send(ctx, msg)
	s.metrics.RecordNotification(string(n.Kind), err == nil)
	if err != nil {
		s.logger.Warn("notification delivery failed",
			zap.String("kind", string(n.Kind)),
			zap.String("recipient", n.RecipientEmail),
			zap.Error(err),
		)
	}
	return nil
}

func renderNotification(n Notification) (subject, body string) {
	label := n.Fields["record_label"]
	student := n.Fields["student_name"]
	recordID := n.Fields["record_id"]
	comments := n.Fields["comments"]

	switch n.Kind {
	case NotifyRecordSubmitted:
		subject = fmt.Sprintf("New %s submission from %s", label, student)
		body = fmt.Sprintf("%s submitted a %s record (%s) for your review.", student, label, recordID)
	case NotifyRecordResubmitted:
		subject = fmt.Sprintf("Updated %s submission from %s", label, student)
		body = fmt.Sprintf("%s updated their %s record (%s). It is back in your review queue.", student, label, recordID)
	case NotifyRecordApproved:
		subject = fmt.Sprintf("Your %s record was approved", label)
		body = fmt.Sprintf("Your %s record (%s) has been approved.", label, recordID)
	case NotifyRecordRejected:
		subject = fmt.Sprintf("Your %s record was rejected", label)
		body = fmt.Sprintf("Your %s record (%s) has been rejected.", label, recordID)
		if comments != "" {
			body += " Reviewer comments: " + comments
		}
	case NotifyRecordWithdrawn:
		subject = fmt.Sprintf("%s record withdrawn by %s", label, student)
		body = fmt.Sprintf("%s withdrew their %s record (%s).", student, label, recordID)
	default:
		subject = "Activity record update"
		body = fmt.Sprintf("Record %s changed state.", recordID)
	}
	return subject, body
}
