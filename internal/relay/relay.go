// Package relay turns inbound WhatsApp messages into reasoning service calls
// and sends exactly one reply per text message from someone else.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"wabridge/internal/domain"
	"wabridge/internal/metrics"
	"wabridge/internal/reasoner"
)

const (
	// FallbackParse is sent when the service answered with nothing usable.
	FallbackParse = "Sorry, I couldn't understand that."
	// FallbackError is sent when the service call failed outright.
	FallbackError = "Oops! Something went wrong. Please try again shortly."
)

// Outcome records what the relay did with one envelope.
type Outcome string

const (
	OutcomeIgnored       Outcome = "ignored" // batch not handled
	OutcomeNoBody        Outcome = "no_body"
	OutcomeNoText        Outcome = "no_text"
	OutcomeSelfEcho      Outcome = "self_echo"
	OutcomeReplied       Outcome = "replied"
	OutcomeFallbackParse Outcome = "fallback_parse"
	OutcomeFallbackError Outcome = "fallback_error"
)

// Asker is the reasoning service.
type Asker interface {
	Ask(ctx context.Context, text string) (reasoner.Response, error)
}

// Sender delivers the reply.
type Sender interface {
	Send(ctx context.Context, chatID string, text string) error
}

type Relay struct {
	asker   Asker
	sender  Sender
	metrics *metrics.Bridge
	logger  *slog.Logger
}

type Config struct {
	Asker   Asker
	Sender  Sender
	Metrics *metrics.Bridge // optional
	Logger  *slog.Logger
}

func New(cfg Config) *Relay {
	return &Relay{
		asker:   cfg.Asker,
		sender:  cfg.Sender,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
}

// HandleBatch processes the first envelope of a live delivery. History
// backfill is ignored.
func (r *Relay) HandleBatch(ctx context.Context, batch domain.MessageBatch) Outcome {
	if batch.Category != domain.DeliveryNotify {
		r.logger.Debug("ignoring non-live delivery", "category", batch.Category, "count", len(batch.Envelopes))
		return OutcomeIgnored
	}
	if len(batch.Envelopes) == 0 {
		return OutcomeIgnored
	}
	return r.Handle(ctx, batch.Envelopes[0])
}

// Handle processes one envelope and returns what happened to it.
func (r *Relay) Handle(ctx context.Context, env domain.Envelope) Outcome {
	logger := r.logger.With("relay_id", uuid.NewString(), "chat", env.ChatID, "sender", env.SenderID)

	outcome := r.handle(ctx, env, logger)
	r.metrics.ObserveRelay(string(outcome))
	return outcome
}

func (r *Relay) handle(ctx context.Context, env domain.Envelope, logger *slog.Logger) Outcome {
	if !env.HasBody {
		logger.Info("message without body ignored", "id", env.ID)
		return OutcomeNoBody
	}

	text, ok := ExtractText(env.Content)
	if !ok {
		logger.Info("message received but no text found", "id", env.ID)
		return OutcomeNoText
	}

	if env.FromSelf {
		logger.Info("outgoing message echoed", "text_len", len(text))
		return OutcomeSelfEcho
	}

	logger.Info("message received", "push_name", env.PushName, "text_len", len(text))

	reply, outcome := r.compose(ctx, text, logger)
	if err := r.sender.Send(ctx, env.ChatID, reply); err != nil {
		r.metrics.ObserveSendFailure()
		logger.Error("reply send failed", "outcome", outcome, "err", err)
		return outcome
	}

	logger.Info("reply sent", "outcome", outcome, "reply_len", len(reply))
	return outcome
}

// compose asks the reasoning service and picks the reply or a fallback.
func (r *Relay) compose(ctx context.Context, text string, logger *slog.Logger) (string, Outcome) {
	start := time.Now()
	resp, err := r.asker.Ask(ctx, text)
	r.metrics.ObserveReasoner(time.Since(start).Seconds(), err != nil)
	if err != nil {
		logger.Error("reasoning service call failed", "err", err)
		return FallbackError, OutcomeFallbackError
	}

	reply, ok := resp.Reply()
	if !ok {
		logger.Warn("reasoning service response unusable", "kind", resp.Kind.String())
		return FallbackParse, OutcomeFallbackParse
	}
	return reply, OutcomeReplied
}

// ExtractText returns the first non-empty of plain text, extended text and
// image caption.
func ExtractText(c domain.Content) (string, bool) {
	for _, candidate := range []string{c.Conversation, c.ExtendedText, c.ImageCaption} {
		if candidate != "" {
			return candidate, true
		}
	}
	return "", false
}
