package jobs

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	jobmetrics "github.com/temple-erp/temple-erp/internal/jobs"
	"github.com/temple-erp/temple-erp/internal/shared"
)

// Enqueuer is the subset of *asynq.Client used to hand off tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Notifier turns domain notifications into mail:send tasks.
type Notifier struct {
	queue     Enqueuer
	recipient string
	logger    *slog.Logger
	metrics   *jobmetrics.Metrics
	printer   *message.Printer
	timeout   time.Duration
}

// NewNotifier builds a Notifier sending to recipient unless a notification
// names its own.
func NewNotifier(queue Enqueuer, recipient string, logger *slog.Logger, metrics *jobmetrics.Metrics) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		queue:     queue,
		recipient: recipient,
		logger:    logger,
		metrics:   metrics,
		printer:   message.NewPrinter(language.English),
		timeout:   2 * time.Second,
	}
}

var _ shared.Notifier = (*Notifier)(nil)

// Notify implements shared.Notifier. Enqueue failures are logged and dropped.
func (n *Notifier) Notify(ctx context.Context, note shared.Notification) {
	if n == nil || n.queue == nil {
		return
	}
	payload := n.render(note)
	if payload.To == "" {
		n.logger.Debug("notification without recipient", slog.String("event", note.Event))
		n.metrics.Notification(note.Event, false)
		return
	}
	task, err := NewSendEmailTask(payload)
	if err != nil {
		n.logger.Warn("build notification", slog.String("event", note.Event), slog.Any("error", err))
		n.metrics.Notification(note.Event, false)
		return
	}
	enqueueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()
	if _, err := n.queue.EnqueueContext(enqueueCtx, task); err != nil {
		n.logger.Warn("enqueue notification", slog.String("event", note.Event), slog.Int64("entity_id", note.EntityID), slog.Any("error", err))
		n.metrics.Notification(note.Event, false)
		return
	}
	n.metrics.Notification(note.Event, true)
}

func (n *Notifier) render(note shared.Notification) SendEmailPayload {
	to := note.To
	if to == "" {
		to = n.recipient
	}
	subject := note.Subject
	if subject == "" {
		subject = eventTitle(note.Event) + " " + note.Number
	}
	var b strings.Builder
	b.WriteString(n.printer.Sprintf("%s: %s\n", eventTitle(note.Entity), note.Number))
	if !note.Amount.IsZero() {
		b.WriteString(n.printer.Sprintf("Amount: %v\n", number.Decimal(note.Amount.InexactFloat64(), number.Scale(2))))
	}
	if note.Body != "" {
		b.WriteString("\n")
		b.WriteString(note.Body)
		b.WriteString("\n")
	}
	return SendEmailPayload{To: to, Subject: strings.TrimSpace(subject), Body: b.String(), Event: note.Event}
}

var wordReplacer = strings.NewReplacer(".", " ", "_", " ")

// eventTitle renders "payment.pending" or "sales_order" as words.
func eventTitle(event string) string {
	return cases.Title(language.English).String(wordReplacer.Replace(event))
}
