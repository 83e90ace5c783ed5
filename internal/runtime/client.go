package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ecalabs/helloflow/internal/runtime/config"
	"github.com/ecalabs/helloflow/internal/runtime/correlate"
	errspkg "github.com/ecalabs/helloflow/internal/runtime/errors"
	"github.com/ecalabs/helloflow/internal/runtime/logging"
	"github.com/ecalabs/helloflow/internal/runtime/metrics"
	"github.com/ecalabs/helloflow/internal/runtime/wire"
	"github.com/ecalabs/helloflow/transport"
)

// TimerStats summarizes the events received for one timer id.
type TimerStats struct {
	Count uint64

	// MeanInterArrival is the observed mean gap between consecutive
	// events, zero until at least two arrived.
	MeanInterArrival time.Duration

	// NominalInterval is the period the producer schedules this timer at.
	NominalInterval time.Duration
}

type timerTally struct {
	count       uint64
	lastArrival time.Time
	totalDelta  time.Duration
	deltaCount  uint64
}

// Client is the consumer runtime. It waits for the service to become
// available, sends correlated greeting requests and tallies the timer
// events it subscribed to.
type Client struct {
	cfg        config.Config
	logger     logging.ServiceLogger
	tr         transport.Transport
	codec      wire.Codec
	correlator *correlate.Correlator
	metrics    *metrics.Metrics
	tracer     trace.Tracer

	mu        sync.Mutex
	available bool
	availCh   chan struct{}
	tallies   map[wire.TimerID]*timerTally
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewClient validates the configuration and assembles the consumer.
func NewClient(cfg config.Config, tr transport.Transport, logger logging.ServiceLogger, m *metrics.Metrics) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("client config: %w", err)
	}
	if tr == nil {
		return nil, errspkg.ErrTransportNeeded
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = correlate.DefaultTimeout
	}
	logger = logger.With(logging.LogFields{"component": "client"})

	return &Client{
		cfg:        cfg,
		logger:     logger,
		tr:         tr,
		codec:      wire.Codec{Mode: cfg.WireMode},
		correlator: correlate.New(logger, timeout),
		metrics:    m,
		tracer:     otel.Tracer("helloflow/client"),
		availCh:    make(chan struct{}),
		tallies:    make(map[wire.TimerID]*timerTally),
	}, nil
}

// Start attaches to the transport and registers interest in the service.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return errspkg.ErrShutdown
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.mu.Unlock()

	c.tr.Attach(c)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.tr.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("transport stopped", err, nil)
		}
	}()

	if err := c.tr.RequestService(ctx, c.cfg.ServiceID, c.cfg.InstanceID); err != nil {
		cancel()
		return fmt.Errorf("request service %04x: %w", c.cfg.ServiceID, err)
	}
	return nil
}

// WaitAvailable blocks until the service is offered or the context ends.
func (c *Client) WaitAvailable(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.available {
			c.mu.Unlock()
			return nil
		}
		ch := c.availCh
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Subscribe joins the configured eventgroup. Events start arriving once
// the producer acknowledges.
func (c *Client) Subscribe(ctx context.Context) error {
	return c.tr.Subscribe(ctx, c.cfg.ServiceID, c.cfg.InstanceID, c.cfg.EventgroupID)
}

// Unsubscribe leaves the configured eventgroup.
func (c *Client) Unsubscribe(ctx context.Context) error {
	return c.tr.Unsubscribe(ctx, c.cfg.ServiceID, c.cfg.InstanceID, c.cfg.EventgroupID)
}

// SayHello sends one correlated greeting request and waits for the reply.
// A timed-out or shut-down call returns an empty response along with the
// matching error.
func (c *Client) SayHello(ctx context.Context, message string) (wire.Response, error) {
	ctx, span := c.tracer.Start(ctx, "Client.SayHello", trace.WithAttributes(
		attribute.String("rpc.message", message),
	))
	defer span.End()

	payload, err := c.codec.EncodeText(message)
	if err != nil {
		return wire.Response{}, err
	}
	frame := transport.Frame{
		Service:          c.cfg.ServiceID,
		Instance:         c.cfg.InstanceID,
		Method:           c.cfg.MethodID,
		Type:             transport.TypeRequest,
		InterfaceVersion: c.cfg.MajorVersion,
		Payload:          payload,
	}

	c.metrics.RequestsSent.Inc()
	resp, err := c.correlator.Call(ctx, func() (string, error) {
		return c.tr.Send(ctx, frame, c.cfg.Reliable)
	})
	if err != nil {
		return resp, err
	}

	// Diagnostic only; a surprising reply still counts as success.
	if want := ReplyPrefix + message; resp.Reply != want {
		c.logger.Error("unexpected reply", nil, logging.LogFields{
			"want": want,
			"got":  resp.Reply,
		})
	}
	return resp, nil
}

// SayHelloN sends count requests with an optional delay in between. When
// more than one request goes out each message carries a "#N" suffix. The
// loop stops at the first shutdown; timeouts are logged and skipped.
func (c *Client) SayHelloN(ctx context.Context, message string, count int, delay time.Duration) error {
	for i := 1; i <= count; i++ {
		msg := message
		if count > 1 {
			msg = fmt.Sprintf("%s #%d", message, i)
		}
		resp, err := c.SayHello(ctx, msg)
		switch {
		case errors.Is(err, errspkg.ErrShutdown):
			return err
		case err != nil:
			c.logger.Error("request failed", err, logging.LogFields{"message": msg})
		default:
			c.logger.Info("received reply", logging.LogFields{"reply": resp.Reply})
		}
		if delay > 0 && i < count {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// OnMessage routes responses to the correlator and tallies notifications.
func (c *Client) OnMessage(ctx context.Context, frame transport.Frame) {
	switch frame.Type {
	case transport.TypeResponse, transport.TypeError:
		c.onResponse(frame)
	case transport.TypeNotification:
		c.onEvent(frame)
	default:
		c.logger.Debug("ignoring frame", logging.LogFields{"frame": frame.String()})
	}
}

func (c *Client) onResponse(frame transport.Frame) {
	if frame.ReturnCode != transport.EOK {
		c.logger.Error("request rejected", nil, logging.LogFields{
			"return_code": frame.ReturnCode.String(),
		})
		// Resolve with an empty reply so the caller is not left to the
		// timeout.
		if err := c.correlator.Resolve(frame.CorrelationID, wire.Response{}); errors.Is(err, errspkg.ErrStrayReply) {
			c.metrics.StrayReplies.Inc()
		}
		return
	}
	reply, err := c.codec.DecodeText(frame.Payload)
	if err != nil {
		c.metrics.DecodeFailures.Inc()
		c.logger.Error("response payload rejected", err, logging.LogFields{"frame": frame.String()})
		return
	}
	if err := c.correlator.Resolve(frame.CorrelationID, wire.Response{Reply: reply}); err != nil {
		if errors.Is(err, errspkg.ErrStrayReply) {
			c.metrics.StrayReplies.Inc()
		}
		c.logger.Info("discarding reply", logging.LogFields{
			"correlation_id": frame.CorrelationID,
		})
	}
}

func (c *Client) onEvent(frame transport.Frame) {
	event, err := wire.DecodeEvent(frame.Payload)
	if err != nil {
		c.metrics.DecodeFailures.Inc()
		c.logger.Error("event payload rejected", err, logging.LogFields{"frame": frame.String()})
		return
	}
	now := time.Now()

	c.mu.Lock()
	tally := c.tallies[event.TimerID]
	if tally == nil {
		tally = &timerTally{}
		c.tallies[event.TimerID] = tally
	}
	tally.count++
	if !tally.lastArrival.IsZero() {
		tally.totalDelta += now.Sub(tally.lastArrival)
		tally.deltaCount++
	}
	tally.lastArrival = now
	c.mu.Unlock()

	c.metrics.EventsReceived.WithLabelValues(event.TimerID.String()).Inc()
	c.logger.Trace("event received", logging.LogFields{"event": event.String()})
}

// OnAvailability tracks the offered state and wakes availability waiters.
func (c *Client) OnAvailability(service, instance uint16, available bool) {
	if service != c.cfg.ServiceID || instance != c.cfg.InstanceID {
		return
	}
	c.mu.Lock()
	if available && !c.available {
		close(c.availCh)
	}
	if !available && c.available {
		c.availCh = make(chan struct{})
	}
	c.available = available
	c.mu.Unlock()

	c.logger.Info("availability", logging.LogFields{
		"service":   fmt.Sprintf("%04x", service),
		"available": available,
	})
}

// OnSubscription is producer-side only; a consumer accepts unconditionally.
func (c *Client) OnSubscription(string, uint16, bool) bool {
	return true
}

// Stats returns a snapshot of the per-timer event tallies.
func (c *Client) Stats() map[wire.TimerID]TimerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[wire.TimerID]TimerStats, len(c.tallies))
	for id, tally := range c.tallies {
		stats := TimerStats{
			Count:           tally.count,
			NominalInterval: id.Interval(),
		}
		if tally.deltaCount > 0 {
			stats.MeanInterArrival = tally.totalDelta / time.Duration(tally.deltaCount)
		}
		out[id] = stats
	}
	return out
}

// LogSummary writes the received-versus-expected event tallies.
func (c *Client) LogSummary() {
	for id, stats := range c.Stats() {
		c.logger.Info("event summary", logging.LogFields{
			"timer":              id.String(),
			"count":              stats.Count,
			"mean_inter_arrival": stats.MeanInterArrival.String(),
			"nominal_interval":   stats.NominalInterval.String(),
		})
	}
}

// Stop wakes any in-flight call with an empty response and closes the
// transport. Safe to call more than once.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel := c.cancel
	started := c.started
	c.mu.Unlock()

	c.correlator.Close()
	if started {
		if err := c.tr.Unsubscribe(ctx, c.cfg.ServiceID, c.cfg.InstanceID, c.cfg.EventgroupID); err != nil {
			c.logger.Error("unsubscribe failed", err, nil)
		}
	}
	if cancel != nil {
		cancel()
	}
	err := c.tr.Close()
	c.wg.Wait()
	c.logger.Info("client stopped", nil)
	return err
}
