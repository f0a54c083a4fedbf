package types

import "time"

// InviteMessage is the payload sent to the invitation queue when a seat is
// reserved. The email worker consumes it to deliver the invitation to the
// prospective team member.
type InviteMessage struct {
	MessageID    string       `json:"message_id"`
	TraceID      string       `json:"trace_id"`
	FirmID       string       `json:"firm_id"`
	FirmName     string       `json:"firm_name"`
	SeatID       string       `json:"seat_id"`
	InviteeEmail string       `json:"invitee_email"`
	Cycle        BillingCycle `json:"cycle"`
	ReservedAt   time.Time    `json:"reserved_at"`
}

// EmailAddress pairs a display name with an address for the From field.
type EmailAddress struct {
	Name    string
	Address string
}

// SendInput is the provider-agnostic payload for one outbound email. Content
// is rendered before it reaches the provider; no server-side templates.
type SendInput struct {
	From        EmailAddress
	To          string
	Subject     string
	BodyHTML    string
	BodyText    string
	ReferenceID string
}
