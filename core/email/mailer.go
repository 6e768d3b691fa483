package email

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"Encore/logger"
	"Encore/metrics"
	"Encore/model"
	"Encore/repository"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
)

// Options configures a Mailer.
type Options struct {
	BaseURL     string // public site URL used in links
	ReplyTo     string
	MaxAttempts uint
	RetryDelay  time.Duration
}

// Mailer renders templates and delivers them with retries, recording every
// send in the email log.
type Mailer struct {
	sender    Sender
	templates *TemplateRegistry
	logs      repository.EmailLogRepository
	opts      Options
}

// NewMailer creates a Mailer. sender may be nil, in which case every send
// fails with ErrEmailDisabled.
func NewMailer(sender Sender, templates *TemplateRegistry, logs repository.EmailLogRepository, opts Options) *Mailer {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 1
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Mailer{sender: sender, templates: templates, logs: logs, opts: opts}
}

// Enabled reports whether a provider is configured.
func (m *Mailer) Enabled() bool {
	return m.sender != nil
}

// Invite 邀请邮件参数
type Invite struct {
	To          string
	InviterName string
	ArtistName  string // empty for a site-wide invite
	Message     string
	Token       string // subscriber token
}

// SendInvite 发送邀请邮件
func (m *Mailer) SendInvite(ctx context.Context, inv Invite) (*model.EmailLog, error) {
	data := map[string]interface{}{
		"InviterName":    inv.InviterName,
		"ArtistName":     inv.ArtistName,
		"Message":        inv.Message,
		"AcceptURL":      m.link("/api/subscribers/confirm", inv.Token),
		"UnsubscribeURL": m.link("/api/subscribers/unsubscribe", inv.Token),
	}
	return m.deliver(ctx, TemplateInvite, inv.To, data)
}

// SendWelcome 注册欢迎邮件
func (m *Mailer) SendWelcome(ctx context.Context, user *model.User) (*model.EmailLog, error) {
	name := user.DisplayName
	if name == "" {
		name = user.Username
	}
	dashboard := "/fan"
	if user.Role == model.RoleCreator {
		dashboard = "/creator"
	}
	data := map[string]interface{}{
		"Name":         name,
		"IsCreator":    user.Role == model.RoleCreator,
		"DashboardURL": m.opts.BaseURL + dashboard,
	}
	return m.deliver(ctx, TemplateWelcome, user.Email, data)
}

// SendReceipt 单曲购买收据
func (m *Mailer) SendReceipt(ctx context.Context, to string, purchase *model.Purchase, track *model.Track) (*model.EmailLog, error) {
	artistName := ""
	if track.Artist != nil {
		artistName = track.Artist.Name
	}
	paidAt := time.Now()
	if purchase.PaidAt != nil {
		paidAt = *purchase.PaidAt
	}
	data := map[string]interface{}{
		"ItemName":   track.Title,
		"ArtistName": artistName,
		"Amount":     FormatAmount(purchase.AmountCents, purchase.Currency),
		"Date":       paidAt.Format("Jan 2, 2006"),
		"LibraryURL": m.opts.BaseURL + "/fan/purchases",
	}
	return m.deliver(ctx, TemplateReceipt, to, data)
}

// SendSubscriptionConfirmed 订阅成功通知
func (m *Mailer) SendSubscriptionConfirmed(ctx context.Context, to string, tier *model.SubscriptionTier, artistName, currency string) (*model.EmailLog, error) {
	data := map[string]interface{}{
		"TierName":   tier.Name,
		"ArtistName": artistName,
		"Amount":     FormatAmount(tier.PriceCents, currency),
		"Interval":   tier.Interval,
		"Perks":      []string(tier.Perks),
		"ManageURL":  m.opts.BaseURL + "/fan/subscriptions",
	}
	return m.deliver(ctx, TemplateSubscriptionConfirmed, to, data)
}

// SendTest sends the diagnostic email used by the admin test harness.
func (m *Mailer) SendTest(ctx context.Context, to string) (*model.EmailLog, error) {
	data := map[string]interface{}{
		"SentAt": time.Now().UTC().Format(time.RFC1123),
	}
	return m.deliver(ctx, TemplateTest, to, data)
}

func (m *Mailer) link(path, token string) string {
	return m.opts.BaseURL + path + "?token=" + url.QueryEscape(token)
}

// deliver renders, sends with retries and logs the outcome. The returned log
// entry is non-nil whenever a send was attempted.
func (m *Mailer) deliver(ctx context.Context, template, to string, data interface{}) (*model.EmailLog, error) {
	if m.sender == nil {
		return nil, ErrEmailDisabled
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return nil, fmt.Errorf("email %s: recipient is required", template)
	}

	rendered, err := m.templates.Render(template, data)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		To:             []string{to},
		Subject:        rendered.Subject,
		HTML:           rendered.HTML,
		Text:           rendered.Text,
		ReplyTo:        m.opts.ReplyTo,
		Tags:           map[string]string{"template": template},
		IdempotencyKey: uuid.NewString(),
	}

	var (
		providerID string
		attempts   int
	)
	sendErr := retry.Do(
		func() error {
			attempts++
			id, err := m.sender.Send(ctx, msg)
			if err != nil {
				return err
			}
			providerID = id
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(m.opts.MaxAttempts),
		retry.Delay(m.opts.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("[Email] 发送失败，准备重试",
				logger.String("template", template),
				logger.Uint("attempt", n+1),
				logger.ErrorField(err))
		}),
	)

	entry := &model.EmailLog{
		Template:       template,
		Recipient:      to,
		Subject:        rendered.Subject,
		IdempotencyKey: msg.IdempotencyKey,
		ProviderID:     providerID,
		Status:         model.EmailSent,
		Attempts:       attempts,
	}
	if sendErr != nil {
		entry.Status = model.EmailFailed
		entry.Error = sendErr.Error()
	}
	metrics.RecordEmail(template, entry.Status)

	if m.logs != nil {
		// 请求取消后仍要写入记录
		logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := m.logs.Create(logCtx, entry); err != nil {
			logger.Warn("[Email] 写入发送记录失败", logger.ErrorField(err))
		}
		cancel()
	}

	if sendErr != nil {
		logger.Error("[Email] 邮件发送失败",
			logger.String("template", template),
			logger.String("to", to),
			logger.Int("attempts", attempts),
			logger.ErrorField(sendErr))
		return entry, fmt.Errorf("failed to send %s email: %w", template, sendErr)
	}

	logger.Info("[Email] 邮件已发送",
		logger.String("template", template),
		logger.String("to", to),
		logger.String("id", providerID))
	return entry, nil
}

// FormatAmount renders minor units for display, e.g. 499 usd -> "$4.99".
func FormatAmount(cents int64, currency string) string {
	major := fmt.Sprintf("%d.%02d", cents/100, cents%100)
	switch strings.ToLower(currency) {
	case "", "usd":
		return "$" + major
	case "eur":
		return "€" + major
	case "gbp":
		return "£" + major
	default:
		return major + " " + strings.ToUpper(currency)
	}
}
