// Package notification delivers password reset mail through shoutrrr.
package notification

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"io"
	stdlog "log"
	"net/url"
	"strings"
	"time"

	"github.com/k3a/html2text"
	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/fetalscan/fetalscan/internal/conf"
	"github.com/fetalscan/fetalscan/internal/errors"
	"github.com/fetalscan/fetalscan/internal/logger"
)

const (
	kindPasswordReset    = "password_reset"
	defaultMailTimeout   = 15 * time.Second
	passwordResetSubject = "Reset your FetalScan password"
)

// Sender is the part of a shoutrrr router used by the mailer.
type Sender interface {
	Send(message string, params *stypes.Params) []error
}

// Metrics receives delivery outcomes.
type Metrics interface {
	RecordDelivery(kind, status string, duration time.Duration)
}

// Mailer sends account mail. A disabled mailer logs instead of sending.
type Mailer struct {
	sender  Sender
	enabled bool
	baseURL string
	ttl     time.Duration
	metrics Metrics
	log     logger.Logger
}

// Option configures a Mailer.
type Option func(*Mailer)

// WithSender replaces the shoutrrr router, mainly for tests.
func WithSender(s Sender) Option {
	return func(m *Mailer) { m.sender = s }
}

// WithMetrics records deliveries on metrics.
func WithMetrics(metrics Metrics) Option {
	return func(m *Mailer) { m.metrics = metrics }
}

// WithLogger replaces the module logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Mailer) { m.log = l }
}

// WithTokenTTL sets the validity shown in reset mails.
func WithTokenTTL(ttl time.Duration) Option {
	return func(m *Mailer) { m.ttl = ttl }
}

// NewMailer builds a mailer from the mail settings.
func NewMailer(settings conf.MailSettings, opts ...Option) (*Mailer, error) {
	m := &Mailer{
		enabled: settings.Enabled,
		baseURL: strings.TrimRight(settings.BaseURL, "/"),
		ttl:     time.Hour,
		log:     logger.Global().Module("notification"),
	}
	for _, opt := range opts {
		opt(m)
	}

	if !m.enabled || m.sender != nil {
		return m, nil
	}
	if settings.SMTPURL == "" {
		return nil, configError("mail.smtpurl is required when mail is enabled")
	}

	router, err := shoutrrr.CreateSender(settings.SMTPURL)
	if err != nil {
		// the URL carries credentials, keep it out of the message
		return nil, configError(fmt.Sprintf("invalid mail URL: %s", scrubURLError(err, settings.SMTPURL)))
	}
	router.Timeout = settings.Timeout
	if router.Timeout <= 0 {
		router.Timeout = defaultMailTimeout
	}
	router.SetLogger(stdlog.New(io.Discard, "", 0))
	m.sender = router
	return m, nil
}

// Enabled reports whether mail is actually delivered.
func (m *Mailer) Enabled() bool { return m.enabled }

var resetTemplate = template.Must(template.New("reset").Parse(`<p>Hello {{.Username}},</p>
<p>A password reset was requested for your FetalScan account.
Open the link below to choose a new password. The link is valid for {{.Validity}}.</p>
<p><a href="{{.Link}}">{{.Link}}</a></p>
<p>If you did not request this, you can ignore this message.</p>`))

type resetData struct {
	Username string
	Link     string
	Validity string
}

// ResetLink returns the public URL for token.
func (m *Mailer) ResetLink(token string) string {
	return m.baseURL + "/reset-password/" + url.PathEscape(token)
}

// SendPasswordReset mails a reset link for token to the given address.
func (m *Mailer) SendPasswordReset(ctx context.Context, to, username, token string) error {
	log := m.log.WithContext(ctx)
	if !m.enabled {
		log.Info("mail disabled, password reset not sent", logger.String("username", username))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var body bytes.Buffer
	if err := resetTemplate.Execute(&body, resetData{
		Username: username,
		Link:     m.ResetLink(token),
		Validity: m.ttl.String(),
	}); err != nil {
		return errors.New(err).
			Component("notification").
			Category(errors.CategorySystem).
			Context("operation", "render_reset_mail").
			Build()
	}

	params := stypes.Params{"toaddresses": to}
	params.SetTitle(passwordResetSubject)

	start := time.Now()
	err := firstError(m.sender.Send(html2text.HTML2Text(body.String()), &params))
	status := "success"
	if err != nil {
		status = "error"
	}
	if m.metrics != nil {
		m.metrics.RecordDelivery(kindPasswordReset, status, time.Since(start))
	}
	if err != nil {
		log.Error("failed to send password reset mail", logger.Error(err))
		return errors.New(err).
			Component("notification").
			Category(errors.CategoryNotification).
			Context("operation", "send_reset_mail").
			Build()
	}
	log.Info("password reset mail sent", logger.String("username", username))
	return nil
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func scrubURLError(err error, rawURL string) string {
	msg := err.Error()
	if u, perr := url.Parse(rawURL); perr == nil && u.User != nil {
		if pw, ok := u.User.Password(); ok && pw != "" {
			msg = strings.ReplaceAll(msg, pw, "***")
		}
	}
	return msg
}

func configError(msg string) error {
	return errors.Newf("%s", msg).
		Component("notification").
		Category(errors.CategoryConfiguration).
		Build()
}
