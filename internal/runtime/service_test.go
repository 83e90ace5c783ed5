package runtime

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecalabs/helloflow/internal/runtime/config"
	"github.com/ecalabs/helloflow/internal/runtime/wire"
	"github.com/ecalabs/helloflow/transport"
)

type fakeTransport struct {
	mu       sync.Mutex
	handler  transport.Handler
	sent     []transport.Frame
	notified []transport.Frame
	offers   int
	closed   bool
	seq      int
}

func (f *fakeTransport) Attach(handler transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *fakeTransport) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeTransport) Send(_ context.Context, frame transport.Frame, _ bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if frame.Type == transport.TypeRequest {
		frame.CorrelationID = fmt.Sprintf("corr-%d", f.seq)
	}
	f.sent = append(f.sent, frame)
	return frame.CorrelationID, nil
}

func (f *fakeTransport) Notify(_ context.Context, frame transport.Frame, _ uint16, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	frame.Type = transport.TypeNotification
	f.notified = append(f.notified, frame)
	return nil
}

func (f *fakeTransport) Offer(context.Context, uint16, uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	return nil
}

func (f *fakeTransport) StopOffer(context.Context, uint16, uint16) error { return nil }
func (f *fakeTransport) RequestService(context.Context, uint16, uint16) error {
	return nil
}
func (f *fakeTransport) Subscribe(context.Context, uint16, uint16, uint16) error   { return nil }
func (f *fakeTransport) Unsubscribe(context.Context, uint16, uint16, uint16) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) lastSent(t *testing.T) transport.Frame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

func (f *fakeTransport) notifiedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notified)
}

func newTestService(t *testing.T, cfg config.Config) (*Service, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	svc, err := NewService(cfg, tr, nil, nil)
	require.NoError(t, err)
	return svc, tr
}

func validRequest(t *testing.T, svc *Service, message string) transport.Frame {
	t.Helper()
	payload, err := svc.codec.EncodeText(message)
	require.NoError(t, err)
	return transport.Frame{
		Service:          svc.cfg.ServiceID,
		Instance:         svc.cfg.InstanceID,
		Method:           svc.cfg.MethodID,
		Type:             transport.TypeRequest,
		ProtocolVersion:  transport.ProtocolVersion,
		InterfaceVersion: svc.cfg.MajorVersion,
		Client:           "tester",
		CorrelationID:    "corr-test",
		Payload:          payload,
	}
}

func TestNewServiceRequiresTransport(t *testing.T) {
	_, err := NewService(config.Default(), nil, nil, nil)
	assert.Error(t, err)
}

func TestNewServiceRejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Transport = ""
	_, err := NewService(cfg, &fakeTransport{}, nil, nil)
	assert.Error(t, err)
}

func TestCheckRequest(t *testing.T) {
	cfg := config.Default()
	cfg.AltServiceIDs = []uint16{0x6001}
	svc, _ := newTestService(t, cfg)

	tests := []struct {
		name   string
		mutate func(*transport.Frame)
		want   transport.ReturnCode
	}{
		{"valid", func(*transport.Frame) {}, transport.EOK},
		{"alt service id", func(f *transport.Frame) { f.Service = 0x6001 }, transport.EOK},
		{"any interface version", func(f *transport.Frame) { f.InterfaceVersion = transport.AnyVersion }, transport.EOK},
		{"wrong protocol version", func(f *transport.Frame) { f.ProtocolVersion = 0x02 }, transport.EWrongProtocolVersion},
		{"unknown service", func(f *transport.Frame) { f.Service = 0x1234 }, transport.EUnknownService},
		{"unknown instance", func(f *transport.Frame) { f.Instance = 0x0042 }, transport.EUnknownService},
		{"unknown method", func(f *transport.Frame) { f.Method = 0x9999 }, transport.EUnknownMethod},
		{"wrong interface version", func(f *transport.Frame) { f.InterfaceVersion = 0x09 }, transport.EWrongInterfaceVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := validRequest(t, svc, "World")
			tt.mutate(&frame)
			assert.Equal(t, tt.want, svc.checkRequest(frame))
		})
	}
}

func TestOnMessageAnswersGreeting(t *testing.T) {
	svc, tr := newTestService(t, config.Default())

	svc.OnMessage(context.Background(), validRequest(t, svc, "World"))

	resp := tr.lastSent(t)
	assert.Equal(t, transport.TypeResponse, resp.Type)
	assert.Equal(t, transport.EOK, resp.ReturnCode)
	assert.Equal(t, "corr-test", resp.CorrelationID)
	assert.Equal(t, "tester", resp.Client)

	reply, err := svc.codec.DecodeText(resp.Payload)
	require.NoError(t, err)
	assert.Equal(t, "Hello World", reply)
}

func TestOnMessageRejectsUnknownMethod(t *testing.T) {
	svc, tr := newTestService(t, config.Default())

	frame := validRequest(t, svc, "World")
	frame.Method = 0x9999
	svc.OnMessage(context.Background(), frame)

	resp := tr.lastSent(t)
	assert.Equal(t, transport.EUnknownMethod, resp.ReturnCode)
	assert.Empty(t, resp.Payload)
}

func TestOnMessageRejectsMalformedPayload(t *testing.T) {
	cfg := config.Default()
	cfg.WireMode = wire.TextLengthPrefixed
	svc, tr := newTestService(t, cfg)

	frame := validRequest(t, svc, "World")
	frame.Payload = []byte{0x00, 0x00, 0x00, 0x7F, 'x'}
	svc.OnMessage(context.Background(), frame)

	resp := tr.lastSent(t)
	assert.Equal(t, transport.EMalformedMessage, resp.ReturnCode)
}

func TestOnMessageIgnoresNonRequests(t *testing.T) {
	svc, tr := newTestService(t, config.Default())

	frame := validRequest(t, svc, "World")
	frame.Type = transport.TypeNotification
	svc.OnMessage(context.Background(), frame)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Empty(t, tr.sent)
}

func TestOnTimerGatedBySubscribers(t *testing.T) {
	svc, tr := newTestService(t, config.Default())
	svc.gate.SetOffered(true)

	require.NoError(t, svc.onTimer(int(wire.Timer1Sec)))
	assert.Equal(t, 0, tr.notifiedCount())

	svc.OnSubscription("tester", svc.cfg.EventgroupID, true)
	require.NoError(t, svc.onTimer(int(wire.Timer1Sec)))
	require.Equal(t, 1, tr.notifiedCount())

	tr.mu.Lock()
	notified := tr.notified[0]
	tr.mu.Unlock()
	assert.Equal(t, svc.cfg.EventID, notified.Method)
	assert.Len(t, notified.Payload, wire.EventPayloadSize)

	event, err := wire.DecodeEvent(notified.Payload)
	require.NoError(t, err)
	assert.Equal(t, wire.Timer1Sec, event.TimerID)
}

func TestOnTimerSuppressedWhenNotOffered(t *testing.T) {
	svc, tr := newTestService(t, config.Default())
	svc.gate.SetOffered(true)
	svc.OnSubscription("tester", svc.cfg.EventgroupID, true)

	svc.gate.SetOffered(false)
	require.NoError(t, svc.onTimer(int(wire.Timer1Sec)))
	assert.Equal(t, 0, tr.notifiedCount())
	assert.Equal(t, 1, svc.gate.ActiveSubscribers())
}

func TestToggleAckAlternates(t *testing.T) {
	cfg := config.Default()
	cfg.ToggleAck = true
	svc, _ := newTestService(t, cfg)

	assert.True(t, svc.OnSubscription("a", cfg.EventgroupID, true))
	svc.OnSubscription("a", cfg.EventgroupID, false)
	assert.False(t, svc.OnSubscription("a", cfg.EventgroupID, true))
	svc.OnSubscription("a", cfg.EventgroupID, false)
	assert.True(t, svc.OnSubscription("a", cfg.EventgroupID, true))
}
