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
	errspkg "github.com/ecalabs/helloflow/internal/runtime/errors"
	"github.com/ecalabs/helloflow/internal/runtime/gate"
	"github.com/ecalabs/helloflow/internal/runtime/logging"
	"github.com/ecalabs/helloflow/internal/runtime/metrics"
	"github.com/ecalabs/helloflow/internal/runtime/sched"
	"github.com/ecalabs/helloflow/internal/runtime/wire"
	"github.com/ecalabs/helloflow/transport"
)

// ReplyPrefix is prepended to every greeting request.
const ReplyPrefix = "Hello "

// Service is the producer runtime. It answers the greeting method on its
// served service ids and broadcasts timer events to subscribed eventgroups,
// gated on live subscribers.
type Service struct {
	cfg     config.Config
	logger  logging.ServiceLogger
	tr      transport.Transport
	codec   wire.Codec
	gate    *gate.Gate
	sched   *sched.Scheduler
	metrics *metrics.Metrics
	tracer  trace.Tracer

	served map[uint16]struct{}

	// Per-timer encode buffers. Each is touched only by its own timer
	// goroutine; the transport copies the payload on send.
	bufs map[wire.TimerID][]byte

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService validates the configuration and assembles the producer.
func NewService(cfg config.Config, tr transport.Transport, logger logging.ServiceLogger, m *metrics.Metrics) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("service config: %w", err)
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
	logger = logger.With(logging.LogFields{"component": "service"})

	served := make(map[uint16]struct{})
	bufs := make(map[wire.TimerID][]byte)
	for _, id := range cfg.ServedServiceIDs() {
		served[id] = struct{}{}
	}
	for _, id := range wire.KnownTimerIDs() {
		bufs[id] = make([]byte, 0, wire.EventPayloadSize)
	}

	return &Service{
		cfg:     cfg,
		logger:  logger,
		tr:      tr,
		codec:   wire.Codec{Mode: cfg.WireMode},
		gate:    gate.New(logger, cfg.ToggleAck),
		sched:   sched.New(logger),
		metrics: m,
		tracer:  otel.Tracer("helloflow/service"),
		served:  served,
		bufs:    bufs,
	}, nil
}

// Start attaches to the transport, offers every served service id and
// begins the timers. It returns once the service is offering; the transport
// keeps running until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return errspkg.ErrShutdown
	}
	s.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.mu.Unlock()

	s.tr.Attach(s)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.tr.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("transport stopped", err, nil)
		}
	}()

	for id := range s.served {
		if err := s.tr.Offer(ctx, id, s.cfg.InstanceID); err != nil {
			cancel()
			return fmt.Errorf("offer %04x: %w", id, err)
		}
	}
	s.gate.SetOffered(true)
	s.logger.Info("service offered", logging.LogFields{
		"service":  fmt.Sprintf("%04x", s.cfg.ServiceID),
		"instance": fmt.Sprintf("%04x", s.cfg.InstanceID),
	})

	if s.cfg.FloodEvents {
		s.wg.Add(1)
		go s.floodLoop(runCtx)
	} else {
		for id, enabled := range s.cfg.Timers {
			if !enabled {
				continue
			}
			s.sched.Add(int(id), id.Interval(), true, s.onTimer)
		}
	}
	if s.cfg.ToggleOffer {
		s.wg.Add(1)
		go s.toggleOfferLoop(runCtx)
	}
	return nil
}

// onTimer runs on the firing timer's own goroutine.
func (s *Service) onTimer(timerID int) error {
	id := wire.TimerID(timerID)
	if !s.gate.ShouldEmit() {
		s.metrics.EventsSuppressed.Inc()
		return nil
	}
	event := wire.NewEvent(id, time.Now())
	s.bufs[id] = wire.AppendEvent(s.bufs[id][:0], event)

	err := s.tr.Notify(context.Background(), transport.Frame{
		Service:          s.cfg.ServiceID,
		Instance:         s.cfg.InstanceID,
		Method:           s.cfg.EventID,
		InterfaceVersion: s.cfg.MajorVersion,
		Payload:          s.bufs[id],
	}, s.cfg.EventgroupID, s.cfg.Reliable)
	if err != nil {
		// Send failures are logged, never retried.
		s.logger.Error("event send failed", err, logging.LogFields{"timer": id.String()})
		return nil
	}
	s.metrics.EventsEmitted.WithLabelValues(id.String()).Inc()
	s.logger.Trace("event sent", logging.LogFields{"event": event.String()})
	return nil
}

// floodLoop emits 1ms-tagged events back to back with no timer delay.
func (s *Service) floodLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = s.onTimer(int(wire.Timer1Ms))
	}
}

// toggleOfferLoop flips the offered state at a fixed period so subscribers
// can be exercised against a flapping service.
func (s *Service) toggleOfferLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.OfferToggle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			offered := !s.gate.Offered()
			for id := range s.served {
				var err error
				if offered {
					err = s.tr.Offer(ctx, id, s.cfg.InstanceID)
				} else {
					err = s.tr.StopOffer(ctx, id, s.cfg.InstanceID)
				}
				if err != nil {
					s.logger.Error("offer toggle failed", err, nil)
				}
			}
			s.gate.SetOffered(offered)
			s.logger.Info("offer toggled", logging.LogFields{"offered": offered})
		}
	}
}

// OnMessage handles inbound requests. Anything that is not a well-formed
// request for a served method gets a response carrying the matching return
// code; nothing here is fatal.
func (s *Service) OnMessage(ctx context.Context, frame transport.Frame) {
	if frame.Type != transport.TypeRequest {
		s.logger.Debug("ignoring non-request", logging.LogFields{"frame": frame.String()})
		return
	}
	ctx, span := s.tracer.Start(ctx, "Service.OnMessage", trace.WithAttributes(
		attribute.String("rpc.client", frame.Client),
		attribute.String("rpc.correlation_id", frame.CorrelationID),
	))
	defer span.End()

	if rc := s.checkRequest(frame); rc != transport.EOK {
		s.logger.Info("rejecting request", logging.LogFields{
			"frame":       frame.String(),
			"return_code": rc.String(),
		})
		s.respond(ctx, frame, rc, nil)
		return
	}

	msg, err := s.codec.DecodeText(frame.Payload)
	if err != nil {
		s.metrics.DecodeFailures.Inc()
		s.logger.Error("request payload rejected", err, logging.LogFields{"frame": frame.String()})
		s.respond(ctx, frame, transport.EMalformedMessage, nil)
		return
	}

	reply := ReplyPrefix + msg
	payload, err := s.codec.EncodeText(reply)
	if err != nil {
		s.logger.Error("reply encode failed", err, nil)
		s.respond(ctx, frame, transport.ENotOK, nil)
		return
	}
	s.logger.Info("answering", logging.LogFields{"message": msg, "reply": reply})
	s.respond(ctx, frame, transport.EOK, payload)
}

// checkRequest applies the protocol sanity checks in order.
func (s *Service) checkRequest(frame transport.Frame) transport.ReturnCode {
	if frame.ProtocolVersion != transport.ProtocolVersion {
		return transport.EWrongProtocolVersion
	}
	if _, ok := s.served[frame.Service]; !ok {
		return transport.EUnknownService
	}
	if frame.Instance != s.cfg.InstanceID {
		return transport.EUnknownService
	}
	if frame.Method != s.cfg.MethodID {
		return transport.EUnknownMethod
	}
	if frame.InterfaceVersion != s.cfg.MajorVersion && frame.InterfaceVersion != transport.AnyVersion {
		return transport.EWrongInterfaceVersion
	}
	return transport.EOK
}

func (s *Service) respond(ctx context.Context, req transport.Frame, rc transport.ReturnCode, payload []byte) {
	resp := req
	resp.Type = transport.TypeResponse
	resp.ReturnCode = rc
	resp.Payload = payload
	if _, err := s.tr.Send(ctx, resp, s.cfg.Reliable); err != nil {
		s.logger.Error("response send failed", err, logging.LogFields{"frame": resp.String()})
		return
	}
	s.metrics.RequestsServed.WithLabelValues(rc.String()).Inc()
}

// OnAvailability is informational on the producer side.
func (s *Service) OnAvailability(service, instance uint16, available bool) {
	s.logger.Debug("availability", logging.LogFields{
		"service":   fmt.Sprintf("%04x", service),
		"instance":  fmt.Sprintf("%04x", instance),
		"available": available,
	})
}

// OnSubscription feeds the broadcast gate and reports the accept decision
// back to the transport.
func (s *Service) OnSubscription(client string, eventgroup uint16, subscribing bool) bool {
	accepted := s.gate.OnSubscription(client, eventgroup, subscribing)
	if subscribing {
		if accepted {
			s.metrics.SubscriptionsAcked.Inc()
		} else {
			s.metrics.SubscriptionsNacked.Inc()
		}
	}
	return accepted
}

// Gate exposes the broadcast gate for inspection.
func (s *Service) Gate() *gate.Gate {
	return s.gate
}

// Stop halts the timers, withdraws every offer and closes the transport.
// Safe to call more than once.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	started := s.started
	s.mu.Unlock()

	s.sched.StopAndWait()
	s.gate.SetOffered(false)
	if started {
		for id := range s.served {
			if err := s.tr.StopOffer(ctx, id, s.cfg.InstanceID); err != nil {
				s.logger.Error("stop offer failed", err, nil)
			}
		}
	}
	if cancel != nil {
		cancel()
	}
	err := s.tr.Close()
	s.wg.Wait()
	s.logger.Info("service stopped", nil)
	return err
}
