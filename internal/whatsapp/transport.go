// Package whatsapp implements the messaging transport on whatsmeow: session
// persistence in sqlite, QR pairing in the terminal, and event translation.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"wabridge/internal/domain"
)

// ErrNotPaired is returned by operations that need a linked device.
var ErrNotPaired = errors.New("no paired device in session store")

// Transport implements domain.Transport.
type Transport struct {
	client   *whatsmeow.Client
	store    *SessionStore
	qrWriter io.Writer
	logger   *slog.Logger
}

type TransportConfig struct {
	Store *SessionStore
	// DeviceName is shown under Linked devices on the phone.
	DeviceName string
	// QRWriter receives pairing codes. Defaults to stdout.
	QRWriter io.Writer
	Logger   *slog.Logger
}

func NewTransport(cfg TransportConfig) *Transport {
	if cfg.DeviceName != "" {
		store.SetOSInfo(cfg.DeviceName, [3]uint32{1, 0, 0})
	}
	if cfg.QRWriter == nil {
		cfg.QRWriter = os.Stdout
	}

	client := whatsmeow.NewClient(cfg.Store.Device(), NewLogger(cfg.Logger, "Client"))
	// Reconnects are driven by the supervisor.
	client.EnableAutoReconnect = false

	return &Transport{
		client:   client,
		store:    cfg.Store,
		qrWriter: cfg.QRWriter,
		logger:   cfg.Logger,
	}
}

// Open connects with the stored device, or starts QR pairing when the store
// has none. It is a no-op while already connected.
func (t *Transport) Open(ctx context.Context) error {
	if t.client.IsConnected() {
		return nil
	}

	if t.client.Store.ID != nil {
		if err := t.client.ConnectContext(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		return nil
	}

	items, err := t.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("start pairing: %w", err)
	}
	if err := t.client.ConnectContext(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	t.logger.Info("no paired device, waiting for QR scan")

	go func() {
		last := renderPairing(t.qrWriter, items)
		t.logger.Info("pairing finished", "result", last)
	}()
	return nil
}

func (t *Transport) Send(ctx context.Context, chatID string, text string) error {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return fmt.Errorf("parse chat id %q: %w", chatID, err)
	}
	if _, err := t.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)}); err != nil {
		return fmt.Errorf("send to %s: %w", jid, err)
	}
	return nil
}

// Subscribe registers handler for translated events. whatsmeow calls it
// from its own goroutines.
func (t *Transport) Subscribe(handler func(domain.Event)) {
	t.client.AddEventHandler(func(evt any) {
		e, ok := translate(evt, t.store.Credentials())
		if !ok {
			return
		}
		if _, dead := evt.(*events.KeepAliveTimeout); dead {
			// Disconnect emits no event of its own, and Open must see the
			// socket gone before the supervisor reopens.
			t.logger.Warn("keepalive dead, dropping socket", "reason", e.Cause.Reason)
			t.client.Disconnect()
		}
		handler(e)
	})
}

func (t *Transport) Close() {
	t.client.Disconnect()
}

// Logout unlinks the device from the account and clears the store. When
// the server cannot be reached the local device is removed anyway.
func (t *Transport) Logout(ctx context.Context) error {
	if t.client.Store.ID == nil {
		return ErrNotPaired
	}

	err := t.logoutRemote(ctx)
	if err == nil {
		return nil
	}
	t.logger.Warn("remote logout failed, removing local session", "err", err)
	return t.store.Forget(context.WithoutCancel(ctx))
}

func (t *Transport) logoutRemote(ctx context.Context) error {
	if !t.client.IsConnected() {
		if err := t.client.ConnectContext(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
	}
	defer t.client.Disconnect()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for !t.client.IsLoggedIn() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for login: %w", ctx.Err())
		case <-ticker.C:
		}
	}

	return t.client.Logout(ctx)
}
