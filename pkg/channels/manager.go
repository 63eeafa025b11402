// DotRelay - conversational relay between chat platforms and language models
// License: MIT
//
// Copyright (c) 2026 DotAgent contributors

package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dotsetgreg/dotrelay/pkg/bus"
	"github.com/dotsetgreg/dotrelay/pkg/config"
	"github.com/dotsetgreg/dotrelay/pkg/logger"
	"github.com/dotsetgreg/dotrelay/pkg/metrics"
)

type Manager struct {
	channels     map[string]Channel
	active       string
	bus          *bus.MessageBus
	config       *config.Config
	dispatchTask *asyncTask
	mu           sync.RWMutex
}

type asyncTask struct {
	cancel context.CancelFunc
}

func NewManager(cfg *config.Config, messageBus *bus.MessageBus) (*Manager, error) {
	m := &Manager{
		channels: make(map[string]Channel),
		bus:      messageBus,
		config:   cfg,
	}

	if err := m.initChannels(); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) initChannels() error {
	logger.InfoC("channels", "Initializing channel manager")

	name := m.config.TransportName()
	var (
		ch  Channel
		err error
	)
	switch name {
	case config.TransportTelegram:
		ch, err = NewTelegramChannel(m.config.Channels.Telegram, m.config.FetchTimeout(), m.bus)
	case config.TransportDiscord:
		if strings.TrimSpace(m.config.Channels.Discord.Token) == "" {
			return fmt.Errorf("channels.discord.token is required")
		}
		ch, err = NewDiscordChannel(m.config.Channels.Discord, m.bus)
	default:
		return fmt.Errorf("unsupported transport %q", name)
	}
	if err != nil {
		return fmt.Errorf("initialize %s channel: %w", name, err)
	}
	m.channels[name] = ch
	m.active = name

	logger.InfoCF("channels", "Channel initialization completed", map[string]interface{}{
		"transport":        name,
		"enabled_channels": len(m.channels),
	})

	return nil
}

// Source returns the update source for the active transport. Pull
// transports are polled directly; push transports are drained off the bus.
func (m *Manager) Source() UpdateSource {
	m.mu.RLock()
	ch, ok := m.channels[m.active]
	m.mu.RUnlock()
	if ok {
		if src, pull := ch.(UpdateSource); pull {
			return src
		}
	}
	return NewBusSource(m.active, m.bus, m.config.PollInterval())
}

// Download fetches an attachment through the active transport.
func (m *Manager) Download(ctx context.Context, ref bus.DocumentRef) ([]byte, error) {
	m.mu.RLock()
	ch, ok := m.channels[m.active]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no active channel")
	}
	dl, ok := ch.(Downloader)
	if !ok {
		return nil, fmt.Errorf("channel %s cannot download attachments", m.active)
	}
	return dl.Download(ctx, ref)
}

func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	if len(m.channels) == 0 {
		m.mu.RUnlock()
		logger.WarnC("channels", "No channels enabled")
		return nil
	}
	channelsCopy := make(map[string]Channel, len(m.channels))
	for name, channel := range m.channels {
		channelsCopy[name] = channel
	}
	m.mu.RUnlock()

	logger.InfoC("channels", "Starting all channels")

	var started []string
	var startErrors []string
	for name, channel := range channelsCopy {
		logger.InfoCF("channels", "Starting channel", map[string]interface{}{"channel": name})
		if err := channel.Start(ctx); err != nil {
			logger.ErrorCF("channels", "Failed to start channel", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
			startErrors = append(startErrors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		started = append(started, name)
	}

	if len(startErrors) > 0 {
		for _, name := range started {
			channel := channelsCopy[name]
			if err := channel.Stop(ctx); err != nil {
				logger.WarnCF("channels", "Failed to stop partially-started channel", map[string]interface{}{
					"channel": name,
					"error":   err.Error(),
				})
			}
		}
		return fmt.Errorf("failed to start channels: %s", strings.Join(startErrors, "; "))
	}

	m.startDispatch(context.WithoutCancel(ctx))

	logger.InfoCF("channels", "All channels started", map[string]interface{}{
		"count": len(started),
	})
	return nil
}

func (m *Manager) startDispatch(ctx context.Context) {
	dispatchCtx, cancel := context.WithCancel(ctx)
	task := &asyncTask{cancel: cancel}

	m.mu.Lock()
	if m.dispatchTask != nil {
		m.dispatchTask.cancel()
	}
	m.dispatchTask = task
	m.mu.Unlock()

	go m.dispatchOutbound(dispatchCtx)
}

func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger.InfoC("channels", "Stopping all channels")

	if m.dispatchTask != nil {
		m.dispatchTask.cancel()
		m.dispatchTask = nil
	}

	for name, channel := range m.channels {
		logger.InfoCF("channels", "Stopping channel", map[string]interface{}{
			"channel": name,
		})
		if err := channel.Stop(ctx); err != nil {
			logger.ErrorCF("channels", "Error stopping channel", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
		}
	}

	logger.InfoC("channels", "All channels stopped")
	return nil
}

func (m *Manager) dispatchOutbound(ctx context.Context) {
	logger.InfoC("channels", "Outbound dispatcher started")

	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			if ctx.Err() != nil {
				logger.InfoC("channels", "Outbound dispatcher stopped")
			}
			return
		}

		m.mu.RLock()
		channel, exists := m.channels[msg.Channel]
		m.mu.RUnlock()

		if !exists {
			logger.WarnCF("channels", "Unknown channel for outbound message", map[string]interface{}{
				"channel": msg.Channel,
			})
			continue
		}

		if err := channel.Send(ctx, msg); err != nil {
			metrics.OutboundSendErrors.WithLabelValues(msg.Channel).Inc()
			logger.ErrorCF("channels", "Error sending message to channel", map[string]interface{}{
				"channel": msg.Channel,
				"chat_id": msg.ChatID,
				"error":   err.Error(),
			})
		}
	}
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

func (m *Manager) GetStatus() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]interface{})
	for name, channel := range m.channels {
		status[name] = map[string]interface{}{
			"active":  name == m.active,
			"running": channel.IsRunning(),
		}
	}
	return status
}

// RegisterChannel adds or replaces a channel and makes it the active one.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
	m.active = name
}
