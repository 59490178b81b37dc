// Package events publishes research run notifications over NATS.
//
// Every finished run is published as a RunCompleted JSON message. Publishing
// is best effort: failures are logged and never affect the run.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/medagent/internal/orchestrator"
)

// DefaultSubject is the subject used when none is configured.
const DefaultSubject = "medagent.runs.completed"

// RunCompleted is the message published for a finished run.
type RunCompleted struct {
	RunID          string    `json:"run_id"`
	Query          string    `json:"query"`
	IterationCount int       `json:"iteration_count"`
	Terminated     string    `json:"terminated"`
	Confidence     float64   `json:"confidence"`
	Findings       int       `json:"findings"`
	Errors         int       `json:"errors"`
	Report         string    `json:"report"`
	DurationMs     int64     `json:"duration_ms"`
	CompletedAt    time.Time `json:"completed_at"`
}

// NewRunCompleted summarizes a result.
func NewRunCompleted(r *orchestrator.Result) RunCompleted {
	return RunCompleted{
		RunID:          r.RunID,
		Query:          r.Query,
		IterationCount: r.IterationCount,
		Terminated:     string(r.Terminated),
		Confidence:     r.FinalConfidence(),
		Findings:       len(r.Findings),
		Errors:         len(r.Errors),
		Report:         r.Report,
		DurationMs:     r.Duration.Milliseconds(),
		CompletedAt:    time.Now().UTC(),
	}
}

// Publisher sends run events to NATS.
type Publisher struct {
	nc      *nats.Conn
	subject string
	logger  *zap.Logger
}

// Connect dials url and returns a publisher on subject. The connection
// retries in the background, so a NATS server that is not yet up does not
// fail startup.
func Connect(url, subject string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("medagent"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return NewPublisher(nc, subject, logger), nil
}

// NewPublisher publishes on an existing connection.
func NewPublisher(nc *nats.Conn, subject string, logger *zap.Logger) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nc: nc, subject: subject, logger: logger}
}

// Subject returns the subject events are published on.
func (p *Publisher) Subject() string { return p.subject }

// Publish sends ev and flushes within ctx's deadline.
func (p *Publisher) Publish(ctx context.Context, ev RunCompleted) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal run event: %w", err)
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish run event: %w", err)
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush run event: %w", err)
	}
	return nil
}

// Hook returns a completion hook that publishes every finished run.
func (p *Publisher) Hook() orchestrator.CompletionHook {
	return func(ctx context.Context, r *orchestrator.Result) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := p.Publish(ctx, NewRunCompleted(r)); err != nil {
			p.logger.Warn("run event not published",
				zap.String("run_id", r.RunID),
				zap.String("subject", p.subject),
				zap.Error(err))
			return
		}
		p.logger.Debug("run event published",
			zap.String("run_id", r.RunID),
			zap.String("subject", p.subject))
	}
}

// Close drains the connection.
func (p *Publisher) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
