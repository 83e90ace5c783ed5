package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/ecalabs/helloflow/internal/runtime/errors"
	"github.com/ecalabs/helloflow/internal/runtime/ids"
)

type serviceKey struct {
	service  uint16
	instance uint16
}

type subKey struct {
	service    uint16
	instance   uint16
	eventgroup uint16
}

// PubSub implements Transport on top of any watermill publisher/subscriber
// pair. Discovery and subscription handling run over a shared control topic,
// requests over a per-service topic, responses over a per-client reply topic
// and notifications over per-eventgroup event topics.
//
// All inbound handler callbacks are funneled through a single dispatch
// goroutine, so Handler implementations never see concurrent calls.
type PubSub struct {
	name       string
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     watermill.LoggerAdapter

	handler Handler

	ready    chan struct{}
	dispatch chan func()

	mu        sync.Mutex
	offered   map[serviceKey]bool
	watched   map[serviceKey]bool
	available map[serviceKey]bool
	rpcLoops  map[serviceKey]struct{}
	subCancel map[subKey]context.CancelFunc
	closed    bool

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	closeOnce   sync.Once
	closePubSub func() error
}

// NewPubSub wires a transport over the given publisher and subscriber. The
// closer is invoked exactly once on Close and should release both endpoints.
func NewPubSub(name string, publisher message.Publisher, subscriber message.Subscriber, closer func() error, logger watermill.LoggerAdapter) *PubSub {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if name == "" {
		name = "client-" + ids.NewCorrelationID()
	}
	return &PubSub{
		name:        name,
		publisher:   publisher,
		subscriber:  subscriber,
		logger:      logger.With(watermill.LogFields{"application": name}),
		ready:       make(chan struct{}),
		dispatch:    make(chan func(), 64),
		offered:     make(map[serviceKey]bool),
		watched:     make(map[serviceKey]bool),
		available:   make(map[serviceKey]bool),
		rpcLoops:    make(map[serviceKey]struct{}),
		subCancel:   make(map[subKey]context.CancelFunc),
		closePubSub: closer,
	}
}

// Name returns the application name used for reply routing.
func (t *PubSub) Name() string {
	return t.name
}

func (t *PubSub) Attach(handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Run starts the control-plane and reply consumers and blocks until the
// context is cancelled or the transport is closed.
func (t *PubSub) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errspkg.ErrTransportClosed
	}
	if t.handler == nil {
		t.mu.Unlock()
		return errspkg.ErrHandlerNeeded
	}
	if t.runCancel != nil {
		t.mu.Unlock()
		return errspkg.ErrTransportClosed
	}
	t.runCtx, t.runCancel = context.WithCancel(ctx)
	runCtx := t.runCtx
	t.mu.Unlock()

	control, err := t.subscriber.Subscribe(runCtx, topicControl())
	if err != nil {
		return err
	}
	replies, err := t.subscriber.Subscribe(runCtx, topicReply(t.name))
	if err != nil {
		return err
	}

	t.wg.Add(3)
	go t.dispatchLoop(runCtx)
	go t.controlLoop(runCtx, control)
	go t.replyLoop(runCtx, replies)

	close(t.ready)
	t.logger.Info("transport running", nil)

	<-runCtx.Done()
	t.wg.Wait()
	return nil
}

// dispatchLoop serializes every inbound handler callback.
func (t *PubSub) dispatchLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-t.dispatch:
			fn()
		}
	}
}

func (t *PubSub) enqueue(ctx context.Context, fn func()) {
	select {
	case t.dispatch <- fn:
	case <-ctx.Done():
	}
}

func (t *PubSub) waitReady(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// controlLoop reacts to discovery and subscription traffic.
func (t *PubSub) controlLoop(ctx context.Context, msgs <-chan *message.Message) {
	defer t.wg.Done()
	for msg := range msgs {
		t.handleControl(ctx, msg)
		msg.Ack()
	}
}

func (t *PubSub) handleControl(ctx context.Context, msg *message.Message) {
	op := msg.Metadata.Get(metaOp)
	client := msg.Metadata.Get(metaClient)
	service, err := getUint16(msg.Metadata, metaService)
	if err != nil {
		t.logger.Error("control message dropped", err, nil)
		return
	}
	instance, err := getUint16(msg.Metadata, metaInstance)
	if err != nil {
		t.logger.Error("control message dropped", err, nil)
		return
	}
	key := serviceKey{service, instance}

	switch op {
	case opOffer, opStopOffer:
		available := op == opOffer
		t.mu.Lock()
		watched := t.watched[key]
		changed := watched && t.available[key] != available
		if watched {
			t.available[key] = available
		}
		handler := t.handler
		t.mu.Unlock()
		if changed {
			t.enqueue(ctx, func() {
				handler.OnAvailability(service, instance, available)
			})
		}
	case opFind:
		// Re-announce for late joiners.
		t.mu.Lock()
		offering := t.offered[key]
		t.mu.Unlock()
		if offering {
			t.publishControl(opOffer, service, instance, 0)
		}
	case opSubscribe, opUnsubscribe:
		t.mu.Lock()
		offering := t.offered[key]
		handler := t.handler
		t.mu.Unlock()
		if !offering {
			return
		}
		eventgroup, err := getUint16(msg.Metadata, metaEventgroup)
		if err != nil {
			t.logger.Error("control message dropped", err, nil)
			return
		}
		subscribing := op == opSubscribe
		t.enqueue(ctx, func() {
			accepted := handler.OnSubscription(client, eventgroup, subscribing)
			if !subscribing {
				return
			}
			ack := opSubscribeAck
			if !accepted {
				ack = opSubscribeNack
			}
			ctl := controlMessage(ack, t.name, service, instance, eventgroup)
			if err := t.publisher.Publish(topicReply(client), ctl); err != nil {
				t.logger.Error("subscription ack publish failed", err, nil)
			}
		})
	}
}

// replyLoop handles responses addressed to this application plus
// subscription acknowledgements.
func (t *PubSub) replyLoop(ctx context.Context, msgs <-chan *message.Message) {
	defer t.wg.Done()
	for msg := range msgs {
		t.handleReply(ctx, msg)
		msg.Ack()
	}
}

func (t *PubSub) handleReply(ctx context.Context, msg *message.Message) {
	if op := msg.Metadata.Get(metaOp); op != "" {
		t.handleSubscriptionAck(ctx, op, msg)
		return
	}
	frame, err := messageToFrame(msg)
	if err != nil {
		t.logger.Error("reply dropped", err, nil)
		return
	}
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	t.enqueue(ctx, func() {
		handler.OnMessage(ctx, frame)
	})
}

func (t *PubSub) handleSubscriptionAck(ctx context.Context, op string, msg *message.Message) {
	service, err := getUint16(msg.Metadata, metaService)
	if err != nil {
		t.logger.Error("subscription ack dropped", err, nil)
		return
	}
	instance, err := getUint16(msg.Metadata, metaInstance)
	if err != nil {
		t.logger.Error("subscription ack dropped", err, nil)
		return
	}
	eventgroup, err := getUint16(msg.Metadata, metaEventgroup)
	if err != nil {
		t.logger.Error("subscription ack dropped", err, nil)
		return
	}
	switch op {
	case opSubscribeAck:
		t.startEventLoop(ctx, subKey{service, instance, eventgroup})
	case opSubscribeNack:
		t.logger.Info("subscription rejected", watermill.LogFields{
			"service":    service,
			"eventgroup": eventgroup,
		})
		// Mirror the middleware behavior where a rejected subscriber is
		// also torn down on the serving side.
		t.publishControl(opUnsubscribe, service, instance, eventgroup)
	}
}

// startEventLoop begins consuming notifications for an acked subscription.
func (t *PubSub) startEventLoop(ctx context.Context, key subKey) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if _, running := t.subCancel[key]; running {
		t.mu.Unlock()
		return
	}
	subCtx, cancel := context.WithCancel(ctx)
	t.subCancel[key] = cancel
	t.mu.Unlock()

	events, err := t.subscriber.Subscribe(subCtx, topicEvents(key.service, key.instance, key.eventgroup))
	if err != nil {
		cancel()
		t.mu.Lock()
		delete(t.subCancel, key)
		t.mu.Unlock()
		t.logger.Error("event subscribe failed", err, nil)
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for msg := range events {
			frame, err := messageToFrame(msg)
			if err != nil {
				t.logger.Error("event dropped", err, nil)
				msg.Ack()
				continue
			}
			t.mu.Lock()
			handler := t.handler
			t.mu.Unlock()
			t.enqueue(ctx, func() {
				handler.OnMessage(ctx, frame)
			})
			msg.Ack()
		}
	}()
}

// rpcLoop consumes requests for an offered service.
func (t *PubSub) startRPCLoop(ctx context.Context, key serviceKey) error {
	t.mu.Lock()
	if _, running := t.rpcLoops[key]; running {
		t.mu.Unlock()
		return nil
	}
	t.rpcLoops[key] = struct{}{}
	t.mu.Unlock()

	requests, err := t.subscriber.Subscribe(ctx, topicRPC(key.service, key.instance))
	if err != nil {
		t.mu.Lock()
		delete(t.rpcLoops, key)
		t.mu.Unlock()
		return err
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for msg := range requests {
			frame, err := messageToFrame(msg)
			if err != nil {
				t.logger.Error("request dropped", err, nil)
				msg.Ack()
				continue
			}
			t.mu.Lock()
			handler := t.handler
			t.mu.Unlock()
			t.enqueue(ctx, func() {
				handler.OnMessage(ctx, frame)
			})
			msg.Ack()
		}
	}()
	return nil
}

func (t *PubSub) publishControl(op string, service, instance, eventgroup uint16) {
	ctl := controlMessage(op, t.name, service, instance, eventgroup)
	if err := t.publisher.Publish(topicControl(), ctl); err != nil {
		t.logger.Error("control publish failed", err, watermill.LogFields{"op": op})
	}
}

// Send publishes a request or response frame. Requests are stamped with a
// fresh correlation identifier and the sender name before leaving; the
// identifier is returned so the caller can match the reply.
func (t *PubSub) Send(ctx context.Context, frame Frame, reliable bool) (string, error) {
	if err := t.waitReady(ctx); err != nil {
		return "", err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", errspkg.ErrTransportClosed
	}
	t.mu.Unlock()

	if frame.ProtocolVersion == 0 {
		frame.ProtocolVersion = ProtocolVersion
	}
	switch frame.Type {
	case TypeRequest:
		frame.Client = t.name
		frame.CorrelationID = ids.NewCorrelationID()
		msg := frameToMessage(frame, reliable)
		if err := t.publisher.Publish(topicRPC(frame.Service, frame.Instance), msg); err != nil {
			return "", err
		}
		return frame.CorrelationID, nil
	case TypeResponse, TypeError:
		msg := frameToMessage(frame, reliable)
		if err := t.publisher.Publish(topicReply(frame.Client), msg); err != nil {
			return "", err
		}
		return frame.CorrelationID, nil
	default:
		return "", fmt.Errorf("cannot send message type %s", frame.Type)
	}
}

// Notify publishes a notification frame to the eventgroup topic. The gate
// decision happens upstream; a notification handed here always goes out.
func (t *PubSub) Notify(ctx context.Context, frame Frame, eventgroup uint16, reliable bool) error {
	if err := t.waitReady(ctx); err != nil {
		return err
	}
	frame.Type = TypeNotification
	if frame.ProtocolVersion == 0 {
		frame.ProtocolVersion = ProtocolVersion
	}
	frame.Client = t.name
	msg := frameToMessage(frame, reliable)
	return t.publisher.Publish(topicEvents(frame.Service, frame.Instance, eventgroup), msg)
}

// Offer announces a service instance and begins serving its request topic.
func (t *PubSub) Offer(ctx context.Context, service, instance uint16) error {
	if err := t.waitReady(ctx); err != nil {
		return err
	}
	key := serviceKey{service, instance}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errspkg.ErrTransportClosed
	}
	t.offered[key] = true
	runCtx := t.runCtx
	t.mu.Unlock()

	if err := t.startRPCLoop(runCtx, key); err != nil {
		return err
	}
	t.publishControl(opOffer, service, instance, 0)
	return nil
}

// StopOffer withdraws the announcement. The request topic stays attached so
// a later re-offer resumes without racing the broker.
func (t *PubSub) StopOffer(ctx context.Context, service, instance uint16) error {
	if err := t.waitReady(ctx); err != nil {
		return err
	}
	key := serviceKey{service, instance}
	t.mu.Lock()
	t.offered[key] = false
	t.mu.Unlock()
	t.publishControl(opStopOffer, service, instance, 0)
	return nil
}

// RequestService registers interest in a service and probes for offers
// already on the wire.
func (t *PubSub) RequestService(ctx context.Context, service, instance uint16) error {
	if err := t.waitReady(ctx); err != nil {
		return err
	}
	key := serviceKey{service, instance}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errspkg.ErrTransportClosed
	}
	t.watched[key] = true
	t.mu.Unlock()
	t.publishControl(opFind, service, instance, 0)
	return nil
}

// Subscribe asks the serving side for eventgroup membership. Event delivery
// begins once the subscription is acknowledged.
func (t *PubSub) Subscribe(ctx context.Context, service, instance, eventgroup uint16) error {
	if err := t.waitReady(ctx); err != nil {
		return err
	}
	t.publishControl(opSubscribe, service, instance, eventgroup)
	return nil
}

// Unsubscribe leaves the eventgroup and stops event delivery locally.
func (t *PubSub) Unsubscribe(ctx context.Context, service, instance, eventgroup uint16) error {
	if err := t.waitReady(ctx); err != nil {
		return err
	}
	key := subKey{service, instance, eventgroup}
	t.mu.Lock()
	cancel := t.subCancel[key]
	delete(t.subCancel, key)
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.publishControl(opUnsubscribe, service, instance, eventgroup)
	return nil
}

// Close withdraws every offer, tears down consumers and releases the
// underlying publisher and subscriber.
func (t *PubSub) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var stopOffers []serviceKey
	for key, offering := range t.offered {
		if offering {
			stopOffers = append(stopOffers, key)
		}
	}
	cancels := make([]context.CancelFunc, 0, len(t.subCancel))
	for _, cancel := range t.subCancel {
		cancels = append(cancels, cancel)
	}
	runCancel := t.runCancel
	t.mu.Unlock()

	for _, key := range stopOffers {
		t.publishControl(opStopOffer, key.service, key.instance, 0)
	}
	for _, cancel := range cancels {
		cancel()
	}
	if runCancel != nil {
		runCancel()
	}

	var err error
	t.closeOnce.Do(func() {
		if t.closePubSub != nil {
			err = t.closePubSub()
		}
	})
	t.logger.Info("transport closed", nil)
	return err
}
