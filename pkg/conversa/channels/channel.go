// Package channels defines the messaging-platform abstraction used by the
// proactive engine. Each platform implements Channel; the Manager routes
// outbound sends by channel name and fans incoming messages into one stream.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Channel is a connection to one messaging platform.
type Channel interface {
	// Name returns the channel identifier (e.g. "discord").
	Name() string

	// Connect establishes the connection to the platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send delivers a text message to the platform conversation.
	Send(ctx context.Context, chatID, text string) error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected reports whether the channel is connected.
	IsConnected() bool
}

// IncomingMessage is a message received from any channel.
type IncomingMessage struct {
	// ID is the platform message identifier.
	ID string

	// Channel identifies the source channel (e.g. "discord").
	Channel string

	// From is the sender identifier on the platform.
	From string

	// FromName is the sender display name, when available.
	FromName string

	// ChatID is the conversation identifier on the platform.
	ChatID string

	// IsGroup indicates a group conversation.
	IsGroup bool

	// Content is the text content.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// ErrChannelDisconnected is returned by Send on an unconnected channel.
var ErrChannelDisconnected = fmt.Errorf("channel is not connected")

// Manager holds the registered channels and multiplexes their incoming
// streams into one.
type Manager struct {
	channels map[string]Channel
	incoming chan *IncomingMessage
	logger   *slog.Logger
	wg       sync.WaitGroup
	mu       sync.RWMutex
}

// NewManager creates an empty channel manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		channels: make(map[string]Channel),
		incoming: make(chan *IncomingMessage, 256),
		logger:   logger.With("component", "channels"),
	}
}

// Register adds a channel under its name. Must be called before Connect.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Connect connects every registered channel and starts forwarding its
// incoming messages into the shared stream. A channel that fails to connect
// is logged and skipped so one broken platform does not stop the rest.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		return fmt.Errorf("no channels registered")
	}

	connected := 0
	for name, ch := range m.channels {
		if err := ch.Connect(ctx); err != nil {
			m.logger.Error("channel failed to connect", "channel", name, "error", err)
			continue
		}
		connected++
		m.wg.Add(1)
		go m.forward(ctx, ch)
	}
	if connected == 0 {
		return fmt.Errorf("no channels connected")
	}
	return nil
}

func (m *Manager) forward(ctx context.Context, ch Channel) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch.Receive():
			if !ok {
				return
			}
			select {
			case m.incoming <- msg:
			default:
				m.logger.Warn("incoming buffer full, dropping message", "channel", ch.Name(), "msg_id", msg.ID)
			}
		}
	}
}

// Receive returns the merged incoming-message stream.
func (m *Manager) Receive() <-chan *IncomingMessage { return m.incoming }

// Send routes an outbound text message to the named channel.
func (m *Manager) Send(ctx context.Context, channel, chatID, text string) error {
	m.mu.RLock()
	ch, ok := m.channels[channel]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown channel %q", channel)
	}
	return ch.Send(ctx, chatID, text)
}

// Disconnect closes every registered channel.
func (m *Manager) Disconnect() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Disconnect(); err != nil {
			m.logger.Warn("channel disconnect failed", "channel", name, "error", err)
		}
	}
}
