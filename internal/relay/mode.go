package relay

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/rowmark/rowmark/internal/client"
	"github.com/rowmark/rowmark/internal/syncx"
)

// Mode is the relay's connectivity state toward the main server.
type Mode string

const (
	// ModeOffline: no upstream contact has succeeded yet.
	ModeOffline Mode = "offline"
	// ModeOnline: the last probe or exchange succeeded.
	ModeOnline Mode = "online"
	// ModeReconnecting: a previously online relay lost upstream contact
	// and is probing with backoff.
	ModeReconnecting Mode = "reconnecting"
)

// ModeManager tracks upstream reachability. Forwarding and importing
// only run while online; local serving never stops.
type ModeManager struct {
	Transport client.Transport
	RelayID   string
	Partition string

	// ProbeInterval is the steady-state health check cadence while
	// online. Reconnect probes follow the backoff schedule instead.
	ProbeInterval time.Duration

	// OnOnline fires on every offline/reconnecting -> online
	// transition, typically to wake the forwarder and importer.
	OnOnline func()

	mu      sync.Mutex
	mode    Mode
	backoff *backoff.ExponentialBackOff
}

// NewModeManager starts in offline mode.
func NewModeManager(transport client.Transport, relayID, partition string, probeInterval time.Duration) *ModeManager {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0 // retry forever
	return &ModeManager{
		Transport:     transport,
		RelayID:       relayID,
		Partition:     partition,
		ProbeInterval: probeInterval,
		mode:          ModeOffline,
		backoff:       bo,
	}
}

// Current returns the current mode.
func (m *ModeManager) Current() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Online reports whether upstream work should run.
func (m *ModeManager) Online() bool { return m.Current() == ModeOnline }

// NoteSuccess records a successful upstream exchange.
func (m *ModeManager) NoteSuccess() {
	m.mu.Lock()
	was := m.mode
	m.mode = ModeOnline
	m.backoff.Reset()
	m.mu.Unlock()

	if was != ModeOnline {
		log.Info().Str("from", string(was)).Msg("relay online")
		if m.OnOnline != nil {
			m.OnOnline()
		}
	}
}

// NoteFailure records a failed upstream exchange and returns the delay
// before the next probe.
func (m *ModeManager) NoteFailure(err error) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == ModeOnline {
		m.mode = ModeReconnecting
		log.Warn().Err(err).Msg("relay lost upstream, reconnecting")
	}
	return m.backoff.NextBackOff()
}

// Probe performs one minimal upstream exchange: an empty pull that only
// proves the server answers authenticated sync traffic.
func (m *ModeManager) Probe(ctx context.Context) error {
	_, err := m.Transport.Sync(ctx, &syncx.SyncRequest{
		ClientID:  "relay:" + m.RelayID + ":health",
		Partition: m.Partition,
		Pull:      &syncx.PullRequest{LimitCommits: 1},
	})
	if err != nil {
		return err
	}
	return nil
}

// Run probes upstream until ctx is done: on the steady interval while
// online, on the backoff schedule otherwise.
func (m *ModeManager) Run(ctx context.Context) {
	for {
		var delay time.Duration
		if err := m.Probe(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			delay = m.NoteFailure(err)
		} else {
			m.NoteSuccess()
			delay = m.ProbeInterval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
