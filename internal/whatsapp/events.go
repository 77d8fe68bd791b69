package whatsapp

import (
	"fmt"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"

	"wabridge/internal/domain"
)

// translate maps a whatsmeow event onto the bridge's event model. Events the
// bridge does not act on report false.
func translate(evt any, creds domain.Credentials) (domain.Event, bool) {
	switch e := evt.(type) {
	case *events.Connected:
		return domain.Event{Kind: domain.EventConnected}, true

	case *events.Disconnected:
		return disconnected(false, "connection closed"), true

	case *events.LoggedOut:
		reason := "logged out from another device"
		if e.OnConnect {
			reason = "logged out: " + e.Reason.String()
		}
		return disconnected(true, reason), true

	case *events.ConnectFailure:
		return disconnected(e.Reason.IsLoggedOut(), fmt.Sprintf("connect failure %s %s", e.Reason, e.Message)), true

	case *events.StreamReplaced:
		return disconnected(false, "stream replaced by another client"), true

	case *events.TemporaryBan:
		return disconnected(false, e.String()), true

	case *events.ClientOutdated:
		return disconnected(false, "client outdated"), true

	case *events.KeepAliveTimeout:
		if !keepAliveDead(e) {
			return domain.Event{}, false
		}
		return disconnected(false, fmt.Sprintf("keepalive failed %d times since %s", e.ErrorCount, e.LastSuccess.Format(time.RFC3339))), true

	case *events.PairSuccess:
		return domain.Event{Kind: domain.EventCredentialsUpdated, Credentials: creds}, true

	case *events.Message:
		return domain.Event{
			Kind: domain.EventMessages,
			Batch: domain.MessageBatch{
				Category:  domain.DeliveryNotify,
				Envelopes: []domain.Envelope{toEnvelope(e)},
			},
		}, true

	case *events.HistorySync:
		return domain.Event{
			Kind:  domain.EventMessages,
			Batch: domain.MessageBatch{Category: domain.DeliveryHistory},
		}, true
	}
	return domain.Event{}, false
}

// keepAliveDead reports whether pings have failed long enough that the
// socket must be torn down. whatsmeow only does this itself when its own
// auto reconnect is enabled.
func keepAliveDead(e *events.KeepAliveTimeout) bool {
	return time.Since(e.LastSuccess) > whatsmeow.KeepAliveMaxFailTime
}

func disconnected(loggedOut bool, reason string) domain.Event {
	return domain.Event{
		Kind:  domain.EventDisconnected,
		Cause: domain.DisconnectCause{LoggedOut: loggedOut, Reason: reason},
	}
}

func toEnvelope(msg *events.Message) domain.Envelope {
	env := domain.Envelope{
		ID:        string(msg.Info.ID),
		ChatID:    msg.Info.Chat.String(),
		SenderID:  msg.Info.Sender.String(),
		PushName:  msg.Info.PushName,
		FromSelf:  msg.Info.IsFromMe,
		Timestamp: msg.Info.Timestamp,
	}
	if msg.Message == nil {
		return env
	}
	env.HasBody = true
	env.Content = domain.Content{
		Conversation: msg.Message.GetConversation(),
		ExtendedText: msg.Message.GetExtendedTextMessage().GetText(),
		ImageCaption: msg.Message.GetImageMessage().GetCaption(),
	}
	return env
}
