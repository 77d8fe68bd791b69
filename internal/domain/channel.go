package domain

import "context"

// Transport is the session handle shared by the supervisor and the relay.
// Implementations own the network session, encryption and pairing.
type Transport interface {
	// Open establishes the session using persisted credentials. When no
	// credentials exist it starts pairing and renders the pairing artifact.
	// Calling Open on an already connected transport is a no-op.
	Open(ctx context.Context) error
	// Send delivers a plain text message to the given chat.
	Send(ctx context.Context, chatID string, text string) error
	// Subscribe registers a handler for lifecycle, credential and message events.
	Subscribe(handler func(Event))
	Close()
}

// Credentials is the opaque bundle needed to resume a session without pairing.
type Credentials interface {
	// AccountID is empty until the device has been paired.
	AccountID() string
}

// CredentialStore persists credentials across restarts.
type CredentialStore interface {
	Save(ctx context.Context, creds Credentials) error
	Path() string
}
