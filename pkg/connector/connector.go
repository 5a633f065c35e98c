package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/itohio/goqcm/pkg/conditioner"
	"github.com/itohio/goqcm/pkg/config"
	"github.com/itohio/goqcm/pkg/event"
	"github.com/itohio/goqcm/pkg/qcm"
)

// Handshake errors.
var (
	ErrTimeout  = errors.New("handshake timed out")
	ErrProtocol = errors.New("handshake protocol error")
	ErrIO       = errors.New("link i/o error")
	ErrNilLink  = errors.New("nil link")
)

// replyBacklog bounds replies queued for an in-flight handshake.
const replyBacklog = 4

// Connector binds a QCM device Link to a signal conditioner and an event hub.
// It negotiates the device identity on Attach and turns RAWMONITOR messages
// into conditioned events tagged with that identity.
type Connector struct {
	cond    *conditioner.Conditioner
	hub     *event.Hub
	logger  *slog.Logger
	timeout time.Duration
	newID   func() string

	attachMu sync.Mutex // serializes Attach and Detach

	mu       sync.RWMutex
	link     qcm.Link
	deviceID string

	waitMu sync.Mutex
	waiter chan qcm.Reply // replies for the in-flight handshake, nil otherwise
}

// Ensure Connector observes Link events.
var _ qcm.CustomObserver = (*Connector)(nil)

// New creates a Connector configured from cfg. A nil logger means slog.Default().
func New(cfg *config.Config, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}

	cond := conditioner.New(cfg.Conditioner.BufferSize)
	if cfg.Conditioner.NominalFrequency != 0 {
		cond.SetNominalFrequency(cfg.Conditioner.NominalFrequency)
	}

	timeout := cfg.Handshake.Timeout
	if timeout <= 0 {
		timeout = config.Default().Handshake.Timeout
	}

	return &Connector{
		cond:    cond,
		hub:     event.NewHub(logger),
		logger:  logger,
		timeout: timeout,
		newID:   uuid.NewString,
	}
}

// Attach detaches the current link, if any, starts observing link and
// negotiates the device identity. On failure the connector is left detached.
func (c *Connector) Attach(ctx context.Context, link qcm.Link) (string, error) {
	if link == nil {
		return "", ErrNilLink
	}

	c.attachMu.Lock()
	defer c.attachMu.Unlock()

	c.detach()
	c.cond.Reset()

	replies := make(chan qcm.Reply, replyBacklog)
	c.setWaiter(replies)
	defer c.setWaiter(nil)

	c.mu.Lock()
	c.link = link
	c.mu.Unlock()
	link.ConnectCustomObserver(c)

	deviceID, err := c.negotiateID(ctx, link, replies)
	if err != nil {
		c.detach()
		c.logger.Error("handshake failed", slog.Any("error", err))
		return "", err
	}

	c.mu.Lock()
	c.deviceID = deviceID
	c.mu.Unlock()

	c.logger.Info("device attached", slog.String("device_id", deviceID))
	return deviceID, nil
}

// Detach stops observing the current link and clears the device identity.
// It is a no-op when nothing is attached and waits for an in-flight Attach.
func (c *Connector) Detach() {
	c.attachMu.Lock()
	defer c.attachMu.Unlock()
	c.detach()
}

func (c *Connector) detach() {
	c.mu.Lock()
	link := c.link
	deviceID := c.deviceID
	c.link = nil
	c.deviceID = ""
	c.mu.Unlock()

	if link == nil {
		return
	}
	link.DisconnectCustomObserver(c)
	c.logger.Info("device detached", slog.String("device_id", deviceID))
}

// negotiateID asks the device for its identity, suggesting a fresh one.
// The device is authoritative: the reported identity may differ from the suggestion.
func (c *Connector) negotiateID(ctx context.Context, link qcm.Link, replies <-chan qcm.Reply) (string, error) {
	suggested := c.newID()
	reqID, err := link.SendCustomMessage(qcm.GetUniqueIDTag, map[string]string{
		qcm.UniqueIDParam: suggested,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrIO, err)
	}

	c.logger.Debug("requested device identity",
		slog.Uint64("request_id", reqID),
		slog.String("suggested_id", suggested),
	)

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", fmt.Errorf("%w: no reply to %s within %v", ErrTimeout, qcm.GetUniqueIDTag, c.timeout)
		case reply := <-replies:
			if reply.ID != reqID {
				c.logger.Debug("ignoring uncorrelated reply", slog.Uint64("request_id", reply.ID))
				continue
			}
			if !reply.OK {
				return "", fmt.Errorf("%w: device rejected %s", ErrProtocol, qcm.GetUniqueIDTag)
			}
			deviceID := reply.Params[qcm.UniqueIDParam]
			if deviceID == "" {
				return "", fmt.Errorf("%w: reply does not contain %s", ErrProtocol, qcm.UniqueIDParam)
			}
			return deviceID, nil
		}
	}
}

func (c *Connector) setWaiter(ch chan qcm.Reply) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	c.waiter = ch
}

// CustomEventReceived handles one message delivered by the Link.
func (c *Connector) CustomEventReceived(ev qcm.CustomEvent) {
	if ev.Reply != nil {
		c.handleReply(*ev.Reply)
		return
	}

	sample, ok, err := conditioner.ParseMessage(ev.Message)
	if !ok {
		c.logger.Debug("ignoring custom message", slog.String("message", ev.Message))
		return
	}
	if err != nil {
		c.logger.Warn("dropping monitoring message", slog.String("message", ev.Message), slog.Any("error", err))
		return
	}

	c.logger.Debug("monitoring message", slog.String("message", ev.Message))
	value := c.cond.Process(sample)

	c.hub.Publish(event.Event{
		Value:    value,
		SourceID: c.DeviceID(),
		Time:     time.Now(),
	})
}

// handleReply hands a reply to the in-flight handshake without blocking the Link.
func (c *Connector) handleReply(r qcm.Reply) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()

	if c.waiter == nil {
		c.logger.Debug("unexpected reply", slog.Uint64("request_id", r.ID))
		return
	}
	select {
	case c.waiter <- r:
	default:
		c.logger.Warn("reply backlog full, dropping reply", slog.Uint64("request_id", r.ID))
	}
}

// DeviceID returns the identity of the attached device, empty when detached.
func (c *Connector) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

// SetNominalFrequency changes the crystal nominal frequency from the next sample on.
func (c *Connector) SetNominalFrequency(frequency int) {
	c.cond.SetNominalFrequency(frequency)
}

// NominalFrequency returns the configured crystal nominal frequency.
func (c *Connector) NominalFrequency() int {
	return c.cond.NominalFrequency()
}

// Subscribe registers l for conditioned events and reports whether it was accepted.
func (c *Connector) Subscribe(l event.Listener) bool {
	return c.hub.Subscribe(l)
}

// Unsubscribe removes one registration of l.
func (c *Connector) Unsubscribe(l event.Listener) bool {
	return c.hub.Unsubscribe(l)
}
