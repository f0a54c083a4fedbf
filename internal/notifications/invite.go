// Package notifications renders and delivers seat invitation emails. The
// invite worker consumes InviteMessage payloads from SQS and hands them to
// an InviteMailer, which produces pre-rendered content for the email
// provider.
package notifications

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"log/slog"
	"net/url"
	texttemplate "text/template"

	"firmdesk/internal/types"
)

// EmailSender sends one rendered email and returns the provider message ID.
// Satisfied by external.SESClient.
type EmailSender interface {
	Send(ctx context.Context, input types.SendInput) (string, error)
}

// inviteVars feeds both the HTML and plaintext invitation templates.
type inviteVars struct {
	FirmName   string
	AcceptURL  string
	SenderName string
}

var inviteHTML = htmltemplate.Must(htmltemplate.New("invite_html").Parse(`<html>
<body style="font-family: sans-serif; color: #1a1a2e;">
  <h2>You&#39;ve been invited to join {{.FirmName}}</h2>
  <p>{{.FirmName}} has reserved a seat for you on {{.SenderName}}, their
  practice management workspace.</p>
  <p><a href="{{.AcceptURL}}" style="background: #2563eb; color: #fff; padding: 10px 18px; border-radius: 6px; text-decoration: none;">Accept your invitation</a></p>
  <p>If you weren&#39;t expecting this, you can ignore this email. The seat
  stays reserved until an administrator releases it.</p>
</body>
</html>`))

var inviteText = texttemplate.Must(texttemplate.New("invite_text").Parse(`You've been invited to join {{.FirmName}}

{{.FirmName}} has reserved a seat for you on {{.SenderName}}, their practice
management workspace.

Accept your invitation:
{{.AcceptURL}}

If you weren't expecting this, you can ignore this email. The seat stays
reserved until an administrator releases it.`))

// InviteMailerConfig holds the parameters needed to construct an InviteMailer.
type InviteMailerConfig struct {
	// From is the sender identity for all invitations.
	From types.EmailAddress
	// DashboardURL is the base URL the accept link points at, no trailing
	// slash.
	DashboardURL string
	Logger       *slog.Logger
}

// InviteMailer renders invitation emails from queue payloads and delivers
// them through an EmailSender.
type InviteMailer struct {
	sender       EmailSender
	from         types.EmailAddress
	dashboardURL string
	logger       *slog.Logger
}

// NewInviteMailer creates an InviteMailer.
func NewInviteMailer(sender EmailSender, cfg InviteMailerConfig) *InviteMailer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &InviteMailer{
		sender:       sender,
		from:         cfg.From,
		dashboardURL: cfg.DashboardURL,
		logger:       logger,
	}
}

// SendInvite renders and delivers the invitation for one reserved seat.
// The queue MessageID rides along as the provider reference for correlation.
func (m *InviteMailer) SendInvite(ctx context.Context, msg types.InviteMessage) error {
	vars := inviteVars{
		FirmName:   msg.FirmName,
		AcceptURL:  m.acceptURL(msg.SeatID),
		SenderName: m.from.Name,
	}

	var htmlBuf, textBuf bytes.Buffer
	if err := inviteHTML.Execute(&htmlBuf, vars); err != nil {
		return fmt.Errorf("notifications: rendering invite html: %w", err)
	}
	if err := inviteText.Execute(&textBuf, vars); err != nil {
		return fmt.Errorf("notifications: rendering invite text: %w", err)
	}

	input := types.SendInput{
		From:        m.from,
		To:          msg.InviteeEmail,
		Subject:     fmt.Sprintf("You've been invited to join %s", msg.FirmName),
		BodyHTML:    htmlBuf.String(),
		BodyText:    textBuf.String(),
		ReferenceID: msg.MessageID,
	}

	providerID, err := m.sender.Send(ctx, input)
	if err != nil {
		return fmt.Errorf("notifications: sending invite for seat %s: %w", msg.SeatID, err)
	}

	m.logger.InfoContext(ctx, "invitation email sent",
		"firm_id", msg.FirmID,
		"seat_id", msg.SeatID,
		"message_id", msg.MessageID,
		"provider_message_id", providerID,
	)
	return nil
}

// acceptURL builds the dashboard link the invitee follows to claim the seat.
func (m *InviteMailer) acceptURL(seatID string) string {
	return m.dashboardURL + "/invites/accept?seat=" + url.QueryEscape(seatID)
}
