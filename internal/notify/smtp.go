package notify

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var errEmptyRecipient = errors.New("notify.smtp.empty_recipient")

type sendMailFunc func(address string, auth smtp.Auth, from string, to []string, message []byte) error

// SMTPNotifier sends plain-text mail through an SMTP relay.
type SMTPNotifier struct {
	config   SMTPConfig
	sendMail sendMailFunc
	now      func() time.Time
}

// NewSMTPNotifier builds a notifier that authenticates with PLAIN auth when a username is set.
func NewSMTPNotifier(config SMTPConfig) *SMTPNotifier {
	return &SMTPNotifier{
		config:   config,
		sendMail: smtp.SendMail,
		now:      time.Now,
	}
}

func (notifier *SMTPNotifier) Send(ctx context.Context, to string, subject string, body string) error {
	recipient := strings.TrimSpace(to)
	if recipient == "" {
		return errEmptyRecipient
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("notify.smtp.send: %w", err)
	}
	address := net.JoinHostPort(notifier.config.Host, strconv.Itoa(notifier.config.Port))
	var auth smtp.Auth
	if notifier.config.Username != "" {
		auth = smtp.PlainAuth("", notifier.config.Username, notifier.config.Password, notifier.config.Host)
	}
	message := notifier.buildMessage(recipient, subject, body)
	if err := notifier.sendMail(address, auth, notifier.config.FromEmail, []string{recipient}, message); err != nil {
		return fmt.Errorf("notify.smtp.send: %w", err)
	}
	return nil
}

func (notifier *SMTPNotifier) buildMessage(recipient string, subject string, body string) []byte {
	from := mail.Address{Name: notifier.config.FromName, Address: notifier.config.FromEmail}
	var builder strings.Builder
	builder.WriteString("From: " + from.String() + "\r\n")
	builder.WriteString("To: " + recipient + "\r\n")
	builder.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	builder.WriteString("Date: " + notifier.now().UTC().Format(time.RFC1123Z) + "\r\n")
	builder.WriteString("Message-ID: <" + uuid.NewString() + "@" + messageIDDomain(notifier.config.FromEmail) + ">\r\n")
	builder.WriteString("MIME-Version: 1.0\r\n")
	builder.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	builder.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	builder.WriteString("\r\n")
	builder.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	builder.WriteString("\r\n")
	return []byte(builder.String())
}

func messageIDDomain(fromEmail string) string {
	if at := strings.LastIndex(fromEmail, "@"); at >= 0 && at < len(fromEmail)-1 {
		return fromEmail[at+1:]
	}
	return "localhost"
}
