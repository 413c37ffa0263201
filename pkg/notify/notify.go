package notify

import (
	"bytes"
	"fmt"
	"path/filepath"
	"text/template"

	"github.com/oshpc/laasd/pkg/log"
)

// Sender delivers a rendered notification to a single recipient. The
// core never constructs one directly — cmd/laasd wires in whatever
// transport a deployment actually has.
type Sender interface {
	Send(to, subject, body string) error
}

// LogSender logs every notification instead of delivering it, standing
// in for a real transport in development and in tests.
type LogSender struct{}

func (LogSender) Send(to, subject, body string) error {
	log.WithComponent("notify").Info().
		Str("to", to).Str("subject", subject).Msg("notification (log sender, not delivered)")
	return nil
}

// Default template file names, used when a project's configuration
// doesn't override them via ProjectConfig.Notifications.
const (
	TemplateBookingCreated  = "booking_created.tmpl"
	TemplateBookingExpiring = "booking_expiring.tmpl"
	TemplateBookingExpired  = "booking_expired.tmpl"
	TemplateAccountCreated  = "account_created.tmpl"
)

// BookingEventData is the template data for the three booking
// lifecycle notifications.
type BookingEventData struct {
	AggregateID string
	Owner       string
	Purpose     string
	LabName     string
	End         string
}

// AccountCreatedData is the template data for the account-creation
// notification.
type AccountCreatedData struct {
	Username string
	LabName  string
}

// Notifier renders and sends notifications. TemplatesDirectory is
// where every *.tmpl file named by the Template* constants (or a
// project's override) lives; Sender delivers the rendered result.
type Notifier struct {
	TemplatesDirectory string
	Sender             Sender
	AdminSendToEmail   string
}

// New builds a Notifier. sender may be notify.LogSender{} when no real
// transport is configured.
func New(templatesDirectory string, sender Sender, adminSendToEmail string) *Notifier {
	return &Notifier{TemplatesDirectory: templatesDirectory, Sender: sender, AdminSendToEmail: adminSendToEmail}
}

// render executes templateName against data, reading it fresh from
// disk on every call so an operator's template edit takes effect
// without a restart.
func (n *Notifier) render(templateName string, data any) (string, error) {
	path := filepath.Join(n.TemplatesDirectory, templateName)
	tmpl, err := template.New(templateName).ParseFiles(path)
	if err != nil {
		return "", fmt.Errorf("notify: parse template %s: %w", path, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("notify: execute template %s: %w", path, err)
	}
	return buf.String(), nil
}

// send renders templateName against data and delivers it to to via the
// configured Sender, falling back to AdminSendToEmail when to is empty
// (an aggregate with no owner address on file still gets a record of
// what happened, via the admin inbox).
func (n *Notifier) send(to, subject, templateName string, data any) error {
	body, err := n.render(templateName, data)
	if err != nil {
		return err
	}
	if to == "" {
		to = n.AdminSendToEmail
	}
	if to == "" {
		return fmt.Errorf("notify: no recipient and no admin_send_to_email configured for %q", subject)
	}
	return n.Sender.Send(to, subject, body)
}

// NotifyBookingCreated sends the booking-created notification to to,
// or templateName if a project override is given (empty means use the
// default template).
func (n *Notifier) NotifyBookingCreated(to, templateName string, data BookingEventData) error {
	if templateName == "" {
		templateName = TemplateBookingCreated
	}
	return n.send(to, fmt.Sprintf("Booking %s created", data.AggregateID), templateName, data)
}

// NotifyBookingExpiring warns that an aggregate is about to expire.
func (n *Notifier) NotifyBookingExpiring(to, templateName string, data BookingEventData) error {
	if templateName == "" {
		templateName = TemplateBookingExpiring
	}
	return n.send(to, fmt.Sprintf("Booking %s is expiring soon", data.AggregateID), templateName, data)
}

// NotifyBookingExpired reports that an aggregate's teardown has run.
func (n *Notifier) NotifyBookingExpired(to, templateName string, data BookingEventData) error {
	if templateName == "" {
		templateName = TemplateBookingExpired
	}
	return n.send(to, fmt.Sprintf("Booking %s has expired", data.AggregateID), templateName, data)
}

// NotifyAccountCreated reports a new local account created on a host
// during provisioning (the CreateLocalUser step).
func (n *Notifier) NotifyAccountCreated(to, templateName string, data AccountCreatedData) error {
	if templateName == "" {
		templateName = TemplateAccountCreated
	}
	return n.send(to, fmt.Sprintf("Account %s created", data.Username), templateName, data)
}
