package events

import "time"

// Event type names written to the outbox.
const (
	TypeAppointmentTransitioned = "appointment.transitioned.v1"
	TypePenaltyWaived           = "appointment.penalty_waived.v1"
	TypeCreditConsumeFailed     = "ledger.credit_consume_failed.v1"
	TypeWaitlistPromoted        = "waitlist.promoted.v1"
	TypeWaitlistExpired         = "waitlist.expired.v1"
	TypeNotificationRequested   = "notification.requested.v1"
)

type AppointmentTransitionedV1 struct {
	EventID       string    `json:"event_id"`
	AppointmentID string    `json:"appointment_id"`
	ProviderID    string    `json:"provider_id"`
	ClientID      string    `json:"client_id"`
	StartsAt      time.Time `json:"starts_at"`
	From          string    `json:"from,omitempty"`
	To            string    `json:"to"`
	ActorID       string    `json:"actor_id"`
	ActorRole     string    `json:"actor_role"`
	CreditRef     string    `json:"credit_ref,omitempty"`
	PenaltyDue    bool      `json:"penalty_due"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type PenaltyWaivedV1 struct {
	EventID       string    `json:"event_id"`
	AppointmentID string    `json:"appointment_id"`
	ProviderID    string    `json:"provider_id"`
	ClientID      string    `json:"client_id"`
	CreditRef     string    `json:"credit_ref,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type CreditConsumeFailedV1 struct {
	EventID       string    `json:"event_id"`
	AppointmentID string    `json:"appointment_id"`
	CreditRef     string    `json:"credit_ref,omitempty"`
	Status        string    `json:"status"`
	Error         string    `json:"error"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type WaitlistPromotedV1 struct {
	EventID    string    `json:"event_id"`
	EntryID    string    `json:"entry_id"`
	ProviderID string    `json:"provider_id"`
	ClientID   string    `json:"client_id"`
	Slot       time.Time `json:"slot"`
	ExpiresAt  time.Time `json:"expires_at"`
	OccurredAt time.Time `json:"occurred_at"`
}

type WaitlistExpiredV1 struct {
	EventID    string    `json:"event_id"`
	EntryID    string    `json:"entry_id"`
	ProviderID string    `json:"provider_id"`
	ClientID   string    `json:"client_id"`
	Slot       time.Time `json:"slot"`
	OccurredAt time.Time `json:"occurred_at"`
}

type NotificationRequestedV1 struct {
	EventID    string            `json:"event_id"`
	UserID     string            `json:"user_id"`
	Kind       string            `json:"kind"`
	Subject    string            `json:"subject,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}
