package monitor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"roostoo-bot/internal/events"
)

// Monitor watches degradation events on the bus and forwards them to a sink.
type Monitor struct {
	Bus  *events.Bus
	Sink AlertSink
	Log  *zap.Logger
}

// Start subscribes and forwards alerts until ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	if m.Log == nil {
		m.Log = zap.NewNop()
	}
	if m.Bus == nil || m.Sink == nil {
		m.Log.Info("monitor not fully configured; skipping")
		return
	}
	stream, unsub := m.Bus.Subscribe(50,
		events.EventFeedStale, events.EventFeedRecovered, events.EventStrategyFault,
		events.EventReconciliationMismatch)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				if err := m.Sink.Send(FormatAlert(env)); err != nil {
					m.Log.Warn("alert delivery failed", zap.Error(err))
				}
			}
		}
	}()
}

// FormatAlert renders an event as a single line.
func FormatAlert(env events.Envelope) string {
	switch p := env.Payload.(type) {
	case string:
		return fmt.Sprintf("%s: %s", env.Event, p)
	case fmt.Stringer:
		return fmt.Sprintf("%s: %s", env.Event, p.String())
	case error:
		return fmt.Sprintf("%s: %v", env.Event, p)
	default:
		return fmt.Sprintf("%s: %+v", env.Event, p)
	}
}
