// Package engine wires the Conversa components together: state stores and
// their persistence, the trigger evaluator, the dispatcher, the scheduler
// and the messaging channels. The engine is what the serve command runs.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jholhewres/conversa/pkg/conversa/channels"
	"github.com/jholhewres/conversa/pkg/conversa/channels/discord"
	"github.com/jholhewres/conversa/pkg/conversa/clock"
	"github.com/jholhewres/conversa/pkg/conversa/config"
	"github.com/jholhewres/conversa/pkg/conversa/dispatch"
	"github.com/jholhewres/conversa/pkg/conversa/history"
	"github.com/jholhewres/conversa/pkg/conversa/provider"
	"github.com/jholhewres/conversa/pkg/conversa/scheduler"
	"github.com/jholhewres/conversa/pkg/conversa/state"
	"github.com/jholhewres/conversa/pkg/conversa/trigger"
)

// Engine owns every long-lived component of the daemon.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	sessions  *state.SessionStore
	profiles  *state.ProfileStore
	reminders *state.ReminderStore
	persister *state.Persister

	eval      *trigger.Evaluator
	scheduler *scheduler.Scheduler
	manager   *channels.Manager
	hist      *history.SQLite

	cancel context.CancelFunc
}

// New builds the full component graph from config.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		sessions:  state.NewSessionStore(logger),
		profiles:  state.NewProfileStore(logger),
		reminders: state.NewReminderStore(logger),
		manager:   channels.NewManager(logger),
		eval:      trigger.New(cfg),
	}

	files, err := state.NewFileStore(cfg.Storage.Dir)
	if err != nil {
		return nil, err
	}
	e.persister = state.NewPersister(files, e.sessions, e.profiles, e.reminders, cfg.DebounceDelay(), logger)

	// History chain: durable SQLite log first, in-memory cache as fallback.
	var sources []dispatch.HistorySource
	if cfg.History.Enabled {
		h, err := history.Open(cfg.History.Path)
		if err != nil {
			return nil, fmt.Errorf("opening history: %w", err)
		}
		e.hist = h
		sources = append(sources, h)
	}
	sources = append(sources, cacheSource{sessions: e.sessions})

	var resolver dispatch.ProviderResolver = dispatch.StaticProvider{}
	if cfg.API.Model != "" {
		resolver = dispatch.StaticProvider{P: provider.NewOpenAI(cfg.API)}
	}

	dispatcher := dispatch.New(cfg, resolver, &transport{e}, sources, nil, e.sessions, logger)
	e.scheduler = scheduler.New(cfg, e.eval, dispatcher, e.sessions, e.profiles, e.reminders, e.persister, logger)

	if cfg.Channels.Discord.Enabled {
		e.manager.Register(discord.New(cfg.Channels.Discord, logger))
	}
	return e, nil
}

// Start restores persisted state, connects channels and launches the
// scheduler and the inbound-activity loop.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	if err := e.persister.LoadAll(); err != nil {
		return fmt.Errorf("restoring state: %w", err)
	}

	if err := e.manager.Connect(ctx); err != nil {
		return fmt.Errorf("connecting channels: %w", err)
	}

	go e.readIncoming(ctx)
	e.scheduler.Start(ctx)

	e.logger.Info("engine started", "name", e.cfg.Name, "enabled", e.cfg.Enabled)
	return nil
}

// Stop shuts everything down and flushes pending state.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.scheduler.Stop()
	e.manager.Disconnect()
	e.persister.Flush()
	if e.hist != nil {
		e.hist.Close()
	}
	e.logger.Info("engine stopped")
}

func (e *Engine) readIncoming(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-e.manager.Receive():
			if !ok {
				return
			}
			e.HandleActivity(ctx, msg)
		}
	}
}

// HandleActivity records inbound human activity for a session: touches the
// activity timestamps, applies the subscribe policy, feeds the history
// chain and reschedules the idle trigger.
func (e *Engine) HandleActivity(ctx context.Context, msg *channels.IncomingMessage) {
	id := SessionID(msg.Channel, msg.ChatID)
	now := clock.Now(e.cfg.Timezone)

	e.sessions.Touch(id, now, true)

	if e.cfg.SubscribeMode == "auto" && !e.profiles.Get(id).Subscribed {
		e.profiles.SetSubscribed(id, true)
		e.logger.Info("session auto-subscribed", "session", id)
	}
	profile := e.profiles.Get(id)
	if !profile.Subscribed {
		return
	}

	e.sessions.AppendCache(id, state.Message{Role: "user", Content: msg.Content}, e.cfg.Storage.CacheLimit)
	if e.hist != nil {
		if err := e.hist.Record(ctx, id, "user", msg.Content, now); err != nil {
			e.logger.Warn("recording inbound message failed", "session", id, "error", err)
		}
	}

	e.sessions.SetIdleDeadline(id, now.Add(e.eval.IdleDelay(profile)))
}

// Subscribe opts a session into proactive messaging and schedules its idle
// trigger.
func (e *Engine) Subscribe(id string) {
	e.profiles.Ensure(id)
	e.profiles.SetSubscribed(id, true)
	now := clock.Now(e.cfg.Timezone)
	e.sessions.Touch(id, now, true)
	e.sessions.SetIdleDeadline(id, now.Add(e.eval.IdleDelay(e.profiles.Get(id))))
}

// Unsubscribe opts a session out.
func (e *Engine) Unsubscribe(id string) {
	e.profiles.SetSubscribed(id, false)
	e.sessions.ClearIdleDeadline(id)
}

// Sessions exposes the session store.
func (e *Engine) Sessions() *state.SessionStore { return e.sessions }

// Profiles exposes the profile store.
func (e *Engine) Profiles() *state.ProfileStore { return e.profiles }

// Reminders exposes the reminder store.
func (e *Engine) Reminders() *state.ReminderStore { return e.reminders }

// SessionID builds the canonical session identifier for a platform
// conversation ("<channel>:<chatID>").
func SessionID(channel, chatID string) string {
	return channel + ":" + chatID
}

// transport routes dispatcher sends to the channel manager by splitting the
// session ID back into channel name and chat ID, and mirrors outbound
// messages into the durable history log.
type transport struct {
	e *Engine
}

func (t *transport) Send(ctx context.Context, sessionID, text string) error {
	channel, chatID, found := strings.Cut(sessionID, ":")
	if !found {
		return fmt.Errorf("malformed session id %q", sessionID)
	}
	if err := t.e.manager.Send(ctx, channel, chatID, text); err != nil {
		return err
	}
	if t.e.hist != nil {
		now := clock.Now(t.e.cfg.Timezone)
		if err := t.e.hist.Record(ctx, sessionID, "assistant", text, now); err != nil {
			t.e.logger.Warn("recording outbound message failed", "session", sessionID, "error", err)
		}
	}
	return nil
}

// cacheSource adapts the in-memory session cache to the history chain.
type cacheSource struct {
	sessions *state.SessionStore
}

func (c cacheSource) Recent(_ context.Context, sessionID string, limit int) ([]state.Message, error) {
	msgs := c.sessions.CachedHistory(sessionID)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}
