// Package dispatch turns trigger decisions into delivered messages: it
// resolves the session's LLM provider, gathers conversation history, expands
// the prompt template, generates a reply and sends it over the transport.
package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/conversa/pkg/conversa/config"
	"github.com/jholhewres/conversa/pkg/conversa/state"
	"github.com/jholhewres/conversa/pkg/conversa/trigger"
)

// ReplyProvider generates one assistant reply from a system prompt, prior
// history and the trigger prompt.
type ReplyProvider interface {
	Complete(ctx context.Context, systemPrompt string, history []state.Message, prompt string) (string, error)
}

// Transport delivers an outbound message to the platform conversation
// behind a session ID.
type Transport interface {
	Send(ctx context.Context, sessionID, text string) error
}

// HistorySource supplies recent conversation history for a session.
// Sources are consulted in order; the first non-empty result wins.
type HistorySource interface {
	Recent(ctx context.Context, sessionID string, limit int) ([]state.Message, error)
}

// PersonaResolver returns the system prompt for a session. Empty means no
// system message.
type PersonaResolver interface {
	SystemPrompt(sessionID string) string
}

// ProviderResolver picks the LLM provider for a session. Returning nil
// skips the dispatch (the platform may have no provider configured).
type ProviderResolver interface {
	Provider(sessionID string) ReplyProvider
}

// StaticProvider is a ProviderResolver that always returns the same provider.
type StaticProvider struct {
	P ReplyProvider
}

func (s StaticProvider) Provider(string) ReplyProvider { return s.P }

// Dispatcher executes trigger decisions.
type Dispatcher struct {
	cfg       *config.Config
	providers ProviderResolver
	transport Transport
	history   []HistorySource
	persona   PersonaResolver
	sessions  *state.SessionStore
	logger    *slog.Logger
}

// New creates a dispatcher. persona may be nil; the configured persona
// prompt is used then.
func New(cfg *config.Config, providers ProviderResolver, transport Transport, history []HistorySource, persona PersonaResolver, sessions *state.SessionStore, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:       cfg,
		providers: providers,
		transport: transport,
		history:   history,
		persona:   persona,
		sessions:  sessions,
		logger:    logger.With("component", "dispatch"),
	}
}

// Dispatch runs one decision end to end and reports whether the message was
// generated and sent. A panic anywhere in the pipeline is contained here so
// one broken session cannot take down the tick.
func (d *Dispatcher) Dispatch(ctx context.Context, dec trigger.Decision, now time.Time) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch panicked", "session", dec.SessionID, "kind", dec.Kind, "panic", r)
			ok = false
		}
	}()

	provider := d.providers.Provider(dec.SessionID)
	if provider == nil {
		d.logger.Warn("no provider for session, skipping", "session", dec.SessionID)
		return false
	}

	history := d.recentHistory(ctx, dec.SessionID)
	prompt := d.buildPrompt(dec, history, now)
	if prompt == "" {
		return false
	}

	completion, err := provider.Complete(ctx, d.systemPrompt(dec.SessionID), history, prompt)
	if err != nil {
		d.logger.Error("generation failed", "session", dec.SessionID, "kind", dec.Kind, "error", err)
		return false
	}
	completion = strings.TrimSpace(completion)
	if completion == "" {
		d.logger.Warn("provider returned empty reply", "session", dec.SessionID, "kind", dec.Kind)
		return false
	}

	text := completion
	if d.cfg.AppendTimestamp {
		text = "[" + now.Format(d.timeFormat()) + "] " + text
	}

	if err := d.transport.Send(ctx, dec.SessionID, text); err != nil {
		d.logger.Error("send failed", "session", dec.SessionID, "kind", dec.Kind, "error", err)
		return false
	}

	d.sessions.Touch(dec.SessionID, now, false)
	d.sessions.AppendCache(dec.SessionID, state.Message{Role: "assistant", Content: completion}, d.cfg.Storage.CacheLimit)

	d.logger.Info("proactive message sent", "session", dec.SessionID, "kind", dec.Kind, "tag", dec.Tag)
	return true
}

func (d *Dispatcher) systemPrompt(sessionID string) string {
	if d.persona != nil {
		if p := d.persona.SystemPrompt(sessionID); p != "" {
			return p
		}
	}
	return d.cfg.Persona.SystemPrompt
}

func (d *Dispatcher) timeFormat() string {
	if d.cfg.TimeFormat != "" {
		return d.cfg.TimeFormat
	}
	return "2006-01-02 15:04"
}

// buildPrompt expands the decision's template. Reminder decisions carry raw
// reminder content which gets wrapped in the configured reminder template.
func (d *Dispatcher) buildPrompt(dec trigger.Decision, history []state.Message, now time.Time) string {
	tpl := dec.Prompt
	if dec.Kind == trigger.KindReminder {
		tpl = d.cfg.Reminders.PromptTemplate
		if tpl == "" {
			tpl = "Remind the user: {reminder_content}"
		}
		tpl = strings.ReplaceAll(tpl, "{reminder_content}", dec.Prompt)
	}

	lastUser, lastAI := lastByRole(history)
	r := strings.NewReplacer(
		"{now}", now.Format(d.timeFormat()),
		"{last_user}", lastUser,
		"{last_ai}", lastAI,
		"{session}", dec.SessionID,
	)
	return strings.TrimSpace(r.Replace(tpl))
}

func lastByRole(history []state.Message) (lastUser, lastAI string) {
	for i := len(history) - 1; i >= 0; i-- {
		switch history[i].Role {
		case "user":
			if lastUser == "" {
				lastUser = history[i].Content
			}
		case "assistant":
			if lastAI == "" {
				lastAI = history[i].Content
			}
		}
		if lastUser != "" && lastAI != "" {
			break
		}
	}
	return lastUser, lastAI
}
