// Package notify delivers access digests through an ordered list of
// backends.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stephnangue/capsule/logger"
)

// Status is the outcome of one delivery attempt.
type Status int

const (
	// NotConfigured means the backend lacks the settings it needs and was
	// skipped.
	NotConfigured Status = iota
	Delivered
	Failed
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	default:
		return "not_configured"
	}
}

// ErrNotConfigured is returned alongside NotConfigured.
var ErrNotConfigured = errors.New("backend not configured")

// Count is the number of accesses of one resource through one token.
type Count struct {
	Resource string `json:"resource"`
	Token    string `json:"token"`
	Count    int    `json:"count"`
}

// Message is one digest.
type Message struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"message"`
	Counts    []Count   `json:"counts"`
}

// Backend delivers a message.
type Backend interface {
	Name() string
	Send(ctx context.Context, msg Message) (Status, error)
}

// Chain tries its backends in order and stops at the first one that
// delivers.
type Chain struct {
	backends []Backend
	logger   logger.Logger
}

func NewChain(log logger.Logger, backends ...Backend) *Chain {
	if log == nil {
		log = logger.NopLogger()
	}
	return &Chain{backends: backends, logger: log}
}

func (c *Chain) Name() string { return "chain" }

// Send reports Delivered when some backend delivered, NotConfigured when
// none was configured and Failed otherwise, with every failure attached.
func (c *Chain) Send(ctx context.Context, msg Message) (Status, error) {
	var errs *multierror.Error
	for _, b := range c.backends {
		status, err := b.Send(ctx, msg)
		switch status {
		case Delivered:
			c.logger.Info("digest delivered",
				logger.String("backend", b.Name()),
				logger.String("id", msg.ID),
			)
			return Delivered, nil
		case Failed:
			c.logger.Warn("digest delivery failed",
				logger.String("backend", b.Name()),
				logger.String("id", msg.ID),
				logger.Err(err),
			)
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", b.Name(), err))
		default:
			c.logger.Debug("skipping unconfigured backend", logger.String("backend", b.Name()))
		}
	}
	if errs == nil {
		return NotConfigured, ErrNotConfigured
	}
	return Failed, errs.ErrorOrNil()
}
