package domain

import "time"

// DeliveryCategory distinguishes live notifications from history backfill.
type DeliveryCategory string

const (
	DeliveryNotify  DeliveryCategory = "notify"
	DeliveryHistory DeliveryCategory = "history"
)

// Content holds the text-bearing shapes an inbound message can take.
// At most one is normally set, but the transport copies all of them.
type Content struct {
	Conversation string // plain text
	ExtendedText string // quoted / link-preview text
	ImageCaption string
}

// Envelope is one received message.
type Envelope struct {
	ID        string
	ChatID    string // reply target
	SenderID  string
	PushName  string
	FromSelf  bool // sent by the bridge's own account
	HasBody   bool // false when the event carried no inspectable message
	Content   Content
	Timestamp time.Time
}

// MessageBatch is one inbound-message delivery from the transport.
type MessageBatch struct {
	Category  DeliveryCategory
	Envelopes []Envelope
}
