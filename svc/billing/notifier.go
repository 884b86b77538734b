package billing

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/quantdrill/billing/pkg/email"
	"github.com/quantdrill/billing/pkg/queue"
)

// NoticeKind selects the message sent to an account holder.
type NoticeKind string

const (
	NoticePaymentFailed NoticeKind = "payment_failed"
	NoticeDowngraded    NoticeKind = "downgraded"
)

// Notice is a message to an account holder about their subscription.
type Notice struct {
	Kind         NoticeKind `json:"kind"`
	AccountID    string     `json:"account_id"`
	CustomerRef  string     `json:"customer_ref"`
	PlanName     string     `json:"plan_name"`
	FailureCount int        `json:"failure_count"`
	PeriodEnd    time.Time  `json:"period_end"`
}

// Notifier delivers notices.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// ContactResolver returns the e-mail address of an external customer.
type ContactResolver interface {
	CustomerEmail(ctx context.Context, customerRef string) (string, error)
}

var noticeTemplates = template.Must(template.New("notices").Parse(`
{{define "payment_failed"}}<p>We could not charge your card for the {{.PlanName}} plan ({{.FailureCount}} failed attempts).</p>
<p>Please update your payment method before {{.PeriodEnd.Format "January 2, 2006"}} to keep access to premium problems.</p>
<p>Questions? Write to {{.Support}}.</p>{{end}}
{{define "downgraded"}}<p>Your {{.PlanName}} subscription was cancelled after repeated payment failures.</p>
<p>You can subscribe again at any time. Questions? Write to {{.Support}}.</p>{{end}}
`))

var noticeSubjects = map[NoticeKind]string{
	NoticePaymentFailed: "Action needed: your payment failed",
	NoticeDowngraded:    "Your subscription was cancelled",
}

// EmailNotifier renders notices to HTML and sends them by e-mail.
type EmailNotifier struct {
	sender   email.EmailSender
	contacts ContactResolver
	support  string
}

// NewEmailNotifier returns a notifier that looks up the recipient through
// contacts and sends with sender.
func NewEmailNotifier(sender email.EmailSender, contacts ContactResolver, supportEmail string) *EmailNotifier {
	return &EmailNotifier{sender: sender, contacts: contacts, support: supportEmail}
}

// Notify implements Notifier.
func (n *EmailNotifier) Notify(ctx context.Context, notice Notice) error {
	subject, ok := noticeSubjects[notice.Kind]
	if !ok {
		return fmt.Errorf("billing: unknown notice kind %q", notice.Kind)
	}
	to, err := n.contacts.CustomerEmail(ctx, notice.CustomerRef)
	if err != nil {
		return fmt.Errorf("resolve contact: %w", err)
	}

	var body bytes.Buffer
	data := struct {
		Notice
		Support string
	}{notice, n.support}
	if err := noticeTemplates.ExecuteTemplate(&body, string(notice.Kind), data); err != nil {
		return fmt.Errorf("render notice: %w", err)
	}

	return n.sender.SendEmail(ctx, email.SendEmailParams{
		SendTo:   to,
		Subject:  subject,
		BodyHTML: body.String(),
		Tag:      "billing-" + string(notice.Kind),
	})
}

// NoticeQueue is the queue notices are delivered from.
const NoticeQueue = "billing.notices"

// NoticeEnqueuer stores notices for later delivery. *queue.Enqueuer
// satisfies it.
type NoticeEnqueuer interface {
	Enqueue(ctx context.Context, payload any, opts ...queue.EnqueueOption) error
}

// QueuedNotifier enqueues notices so webhook handling never waits on e-mail
// delivery. A worker running NoticeHandler sends them with retries.
type QueuedNotifier struct {
	enq NoticeEnqueuer
}

// NewQueuedNotifier returns a notifier that enqueues on NoticeQueue.
func NewQueuedNotifier(enq NoticeEnqueuer) *QueuedNotifier {
	return &QueuedNotifier{enq: enq}
}

// Notify implements Notifier. Downgrade notices jump ahead of payment
// reminders.
func (n *QueuedNotifier) Notify(ctx context.Context, notice Notice) error {
	priority := queue.PriorityMedium
	if notice.Kind == NoticeDowngraded {
		priority = queue.PriorityHigh
	}
	return n.enq.Enqueue(ctx, notice,
		queue.WithQueue(NoticeQueue),
		queue.WithPriority(priority),
	)
}

// NoticeHandler returns the queue handler that delivers enqueued notices
// through next.
func NoticeHandler(next Notifier) queue.Handler {
	return queue.NewTaskHandler(func(ctx context.Context, n Notice) error {
		return next.Notify(ctx, n)
	})
}
