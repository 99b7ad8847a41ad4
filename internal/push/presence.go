package push

import (
	gosync "sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/flagsync/internal/api"
)

// PublisherState is the last known occupancy of one control channel.
type PublisherState struct {
	Count         int
	LastTimestamp int64
}

const (
	primary = iota
	secondary
)

// PresenceTracker turns occupancy notifications into SubsystemUp and
// SubsystemDown events. Events fire only when the total publisher count
// crosses zero.
type PresenceTracker struct {
	mu       gosync.Mutex
	channels [2]PublisherState
	emitter  Emitter
	logger   *zap.Logger
}

// NewPresenceTracker assumes one publisher on the primary channel.
func NewPresenceTracker(emitter Emitter, logger *zap.Logger) *PresenceTracker {
	return &PresenceTracker{
		channels: [2]PublisherState{primary: {Count: 1}},
		emitter:  emitter,
		logger:   logger,
	}
}

// Process applies an occupancy notification. Notifications that are not
// newer than the last one seen on their channel are discarded.
func (p *PresenceTracker) Process(n *Notification) {
	idx, ok := channelIndex(n.Channel)
	if !ok {
		p.logger.Warn("occupancy on unknown channel", zap.String("channel", n.Channel))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	state := &p.channels[idx]
	if n.Timestamp <= state.LastTimestamp {
		p.logger.Debug("stale occupancy discarded",
			zap.String("channel", n.Channel),
			zap.Int64("timestamp", n.Timestamp),
		)
		return
	}
	state.LastTimestamp = n.Timestamp

	before := p.totalLocked()
	state.Count = max(n.Publishers, 0)
	after := p.totalLocked()

	switch {
	case before > 0 && after == 0:
		p.emitter.Emit(SubsystemDown)
	case before == 0 && after > 0:
		p.emitter.Emit(SubsystemUp)
	}
}

// Publishers returns the publisher count over both channels.
func (p *PresenceTracker) Publishers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalLocked()
}

func (p *PresenceTracker) State() (pri, sec PublisherState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channels[primary], p.channels[secondary]
}

func (p *PresenceTracker) totalLocked() int {
	return p.channels[primary].Count + p.channels[secondary].Count
}

func channelIndex(channel string) (int, bool) {
	switch channelSuffix(channel) {
	case api.ControlPriChannel:
		return primary, true
	case api.ControlSecChannel:
		return secondary, true
	default:
		return 0, false
	}
}
