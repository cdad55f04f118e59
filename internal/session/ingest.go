package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voiceshield/internal/observe"
	"github.com/MrWong99/voiceshield/pkg/provider/stt"
	"github.com/MrWong99/voiceshield/pkg/types"
)

// errStreamEnded marks a stream that closed without an error while the
// session still wanted turns.
var errStreamEnded = errors.New("session: turn stream ended")

// ingest pulls turns from the source until ctx ends. A stream that stops is
// restarted with exponential backoff; the restart budget is refilled every
// time a stream delivers turns. When the budget runs out, or the source says
// it has nothing left, the session is flagged as listening-interrupted and
// stays open.
func (m *Machine) ingest(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.IngestBackoff
	b.MaxInterval = 20 * m.cfg.IngestBackoff

	failures := 0
	for {
		stream, err := m.cfg.Source.Start(ctx, stt.StreamConfig{
			Language: m.cfg.Language,
			Keywords: m.cfg.Keywords,
		})
		if err == nil {
			m.listening(gen)
			delivered := m.consume(ctx, gen, stream)
			err = stream.Err()
			if cerr := stream.Close(); cerr != nil && err == nil {
				err = cerr
			}
			if ctx.Err() != nil {
				return
			}
			if delivered {
				failures = 0
				b.Reset()
			}
			if err == nil {
				err = errStreamEnded
			}
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, stt.ErrSourceExhausted) || failures >= m.cfg.IngestMaxRestarts {
			m.interrupt(gen, err, failures)
			return
		}

		failures++
		delay := b.NextBackOff()
		m.cfg.Metrics.IngestRestarts.Add(ctx, 1)
		m.logger().Warn("session: restarting turn source",
			"err", err,
			"attempt", failures,
			"max_restarts", m.cfg.IngestMaxRestarts,
			"backoff", delay,
		)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// consume applies turns until the stream closes or ctx ends. It reports
// whether any turn arrived.
func (m *Machine) consume(ctx context.Context, gen uint64, stream stt.Stream) bool {
	delivered := false
	turns := stream.Turns()
	for {
		select {
		case <-ctx.Done():
			return delivered
		case turn, ok := <-turns:
			if !ok {
				return delivered
			}
			delivered = true
			if err := m.applyTurn(ctx, gen, turn); err != nil {
				return delivered
			}
		}
	}
}

func (m *Machine) listening(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.state != StateMonitoring {
		return
	}
	m.state = StateListening
	m.log.Info("session: listening")
	m.publishLocked()
}

func (m *Machine) interrupt(gen uint64, err error, restarts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || !m.state.Open() {
		return
	}
	m.interrupted = true
	m.exhausted = errors.Is(err, stt.ErrSourceExhausted)
	m.log.Warn("session: listening interrupted", "err", err, "restarts", restarts)
	m.publishLocked()
}

func (m *Machine) logger() *slog.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.log
}

func observeSpeaker(s types.Speaker) metric.AddOption {
	return metric.WithAttributes(observe.Attr("speaker", string(s)))
}

func observeLabel(l types.RiskLabel) metric.AddOption {
	return metric.WithAttributes(observe.Attr("label", string(l)))
}
