// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package bus

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// MemoryBus is an in-process pub/sub for tests and single-node development.
// Publisher and subscriber share one channel-backed transport.
type MemoryBus struct {
	channel *gochannel.GoChannel
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		channel: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, NewLoggerAdapter()),
	}
}

// Publisher returns a Publisher over the in-process transport.
func (b *MemoryBus) Publisher() *WatermillPublisher {
	return NewWatermillPublisher(b.channel)
}

// Subscriber returns the transport as a Watermill subscriber.
func (b *MemoryBus) Subscriber() message.Subscriber {
	return b.channel
}

// Close tears down the transport and all subscriptions.
func (b *MemoryBus) Close() error {
	return b.channel.Close()
}
