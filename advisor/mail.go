package advisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// MailTimeout bounds the SMTP dial and each command. go-mail always applies
// one; zero would fall back to its own 15s default.
const MailTimeout = 30 * time.Second

// ReportSender delivers the final markdown report.
type ReportSender interface {
	SendReport(ctx context.Context, path string, day time.Time) error
}

type Mailer struct {
	cfg  MailConfig
	host string
}

func NewMailer(cfg MailConfig, host string) *Mailer {
	return &Mailer{cfg: cfg, host: host}
}

func ReportSubject(host string, day time.Time) string {
	return fmt.Sprintf("suggested slow query optimization on %s for date %s", host, day.Format("02-01-2006"))
}

// RenderHTML converts the markdown report into an HTML body.
func RenderHTML(markdown []byte) (string, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var buf bytes.Buffer
	if err := md.Convert(markdown, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// BuildMessage assembles a multipart/alternative message: raw markdown as
// text/plain and the rendered HTML.
func (m *Mailer) BuildMessage(markdown []byte, day time.Time) (*mail.Msg, error) {
	html, err := RenderHTML(markdown)
	if err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	msg := mail.NewMsg()
	if err := msg.From(m.cfg.Sender); err != nil {
		return nil, err
	}
	if err := msg.To(m.cfg.Recipients...); err != nil {
		return nil, err
	}
	if len(m.cfg.CC) > 0 {
		if err := msg.Cc(m.cfg.CC...); err != nil {
			return nil, err
		}
	}
	msg.Subject(ReportSubject(m.host, day))
	msg.SetBodyString(mail.TypeTextPlain, string(markdown))
	msg.AddAlternativeString(mail.TypeTextHTML, html)
	return msg, nil
}

func (m *Mailer) client() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
		mail.WithSMTPAuth(smtpAuth(m.cfg.Auth)),
		mail.WithUsername(m.cfg.User),
		mail.WithPassword(m.cfg.Password),
		mail.WithTLSPolicy(tlsPolicy(m.cfg.TLS)),
		mail.WithTimeout(MailTimeout),
	}
	return mail.NewClient(m.cfg.Host, opts...)
}

// SendReport authenticates to the relay and sends the report at path.
func (m *Mailer) SendReport(ctx context.Context, path string, day time.Time) error {
	recipients := append(append([]string{}, m.cfg.Recipients...), m.cfg.CC...)
	body, err := os.ReadFile(path)
	if err != nil {
		return &DeliveryError{Recipients: recipients, Err: err}
	}
	msg, err := m.BuildMessage(body, day)
	if err != nil {
		return &DeliveryError{Recipients: recipients, Err: err}
	}
	c, err := m.client()
	if err != nil {
		return &DeliveryError{Recipients: recipients, Err: err}
	}
	if err := c.DialAndSendWithContext(ctx, msg); err != nil {
		return &DeliveryError{Recipients: recipients, Err: err}
	}
	return nil
}

func smtpAuth(name string) mail.SMTPAuthType {
	switch strings.ToUpper(name) {
	case "PLAIN":
		return mail.SMTPAuthPlain
	case "CRAM-MD5":
		return mail.SMTPAuthCramMD5
	default:
		return mail.SMTPAuthLogin
	}
}

func tlsPolicy(name string) mail.TLSPolicy {
	switch strings.ToLower(name) {
	case "mandatory":
		return mail.TLSMandatory
	case "none":
		return mail.NoTLS
	default:
		return mail.TLSOpportunistic
	}
}
