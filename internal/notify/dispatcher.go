package notify

import (
	"context"
	"errors"
	"strings"

	"github.com/tyemirov/unifyauth/internal/authkit"
)

var errNoChannel = errors.New("notify.dispatch.no_channel")

// Dispatcher routes email addresses to the email channel and everything else to SMS.
type Dispatcher struct {
	email authkit.Notifier
	sms   authkit.Notifier
}

var _ authkit.Notifier = (*Dispatcher)(nil)

// NewDispatcher accepts a nil sms channel when phone delivery is unavailable.
func NewDispatcher(email authkit.Notifier, sms authkit.Notifier) *Dispatcher {
	return &Dispatcher{email: email, sms: sms}
}

func (dispatcher *Dispatcher) Send(ctx context.Context, to string, subject string, body string) error {
	channel := dispatcher.sms
	if strings.Contains(to, "@") {
		channel = dispatcher.email
	}
	if channel == nil {
		return errNoChannel
	}
	return channel.Send(ctx, to, subject, body)
}
