package dispatch

import (
	"context"

	"github.com/jholhewres/conversa/pkg/conversa/state"
)

// recentHistory walks the configured history sources in order and returns
// the first non-empty result, trimmed to the configured depth. A failing
// source is logged and skipped so a broken history backend degrades to the
// next source instead of blocking dispatch.
func (d *Dispatcher) recentHistory(ctx context.Context, sessionID string) []state.Message {
	depth := d.cfg.HistoryDepth
	if depth <= 0 {
		depth = 8
	}
	for _, src := range d.history {
		msgs, err := src.Recent(ctx, sessionID, depth)
		if err != nil {
			d.logger.Warn("history source failed", "session", sessionID, "error", err)
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		if len(msgs) > depth {
			msgs = msgs[len(msgs)-depth:]
		}
		return msgs
	}
	return nil
}
