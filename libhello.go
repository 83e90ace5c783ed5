package helloflow

import (
	runtimepkg "github.com/ecalabs/helloflow/internal/runtime"
	configpkg "github.com/ecalabs/helloflow/internal/runtime/config"
	correlatepkg "github.com/ecalabs/helloflow/internal/runtime/correlate"
	errspkg "github.com/ecalabs/helloflow/internal/runtime/errors"
	gatepkg "github.com/ecalabs/helloflow/internal/runtime/gate"
	idspkg "github.com/ecalabs/helloflow/internal/runtime/ids"
	loggingpkg "github.com/ecalabs/helloflow/internal/runtime/logging"
	metricspkg "github.com/ecalabs/helloflow/internal/runtime/metrics"
	schedpkg "github.com/ecalabs/helloflow/internal/runtime/sched"
	wirepkg "github.com/ecalabs/helloflow/internal/runtime/wire"
	transportpkg "github.com/ecalabs/helloflow/transport"
	channeltransport "github.com/ecalabs/helloflow/transport/channel"
	natstransport "github.com/ecalabs/helloflow/transport/nats"
)

type (
	Config = configpkg.Config

	Service    = runtimepkg.Service
	Client     = runtimepkg.Client
	TimerStats = runtimepkg.TimerStats

	Request   = wirepkg.Request
	Response  = wirepkg.Response
	TimeOfDay = wirepkg.TimeOfDay
	Event     = wirepkg.Event
	TimerID   = wirepkg.TimerID
	TextMode  = wirepkg.TextMode
	Codec     = wirepkg.Codec

	Scheduler  = schedpkg.Scheduler
	Correlator = correlatepkg.Correlator
	Gate       = gatepkg.Gate
	Metrics    = metricspkg.Metrics

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	DecodeError   = errspkg.DecodeError
	EncodingError = errspkg.EncodingError

	// Transport boundary types.
	Frame                 = transportpkg.Frame
	MessageType           = transportpkg.MessageType
	ReturnCode            = transportpkg.ReturnCode
	Transport             = transportpkg.Transport
	TransportHandler      = transportpkg.Handler
	TransportConfig       = transportpkg.Config
	TransportBuilder      = transportpkg.Builder
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
	ChannelHub            = channeltransport.Hub
)

const (
	Timer1Sec = wirepkg.Timer1Sec
	Timer1Min = wirepkg.Timer1Min
	Timer10Ms = wirepkg.Timer10Ms
	Timer1Ms  = wirepkg.Timer1Ms

	TextRaw            = wirepkg.TextRaw
	TextLengthPrefixed = wirepkg.TextLengthPrefixed

	EventPayloadSize = wirepkg.EventPayloadSize
	ReplyPrefix      = runtimepkg.ReplyPrefix

	ChannelTransport = channeltransport.Name
	NATSTransport    = natstransport.Name
)

var (
	DefaultConfig = configpkg.Default
	LoadConfig    = configpkg.LoadFile
	ParseTimers   = configpkg.ParseTimers

	NewService = runtimepkg.NewService
	NewClient  = runtimepkg.NewClient

	NewScheduler  = schedpkg.New
	NewCorrelator = correlatepkg.New
	NewGate       = gatepkg.New
	NewMetrics    = metricspkg.New

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewWatermillAdapter       = loggingpkg.NewWatermillAdapter

	NewCorrelationID = idspkg.NewCorrelationID
	NewChannelHub    = channeltransport.NewHub

	BuildTransport    = transportpkg.Build
	RegisterTransport = transportpkg.Register
	TransportNames    = func() []string { return transportpkg.DefaultRegistry.Names() }

	ErrTimeout    = errspkg.ErrTimeout
	ErrShutdown   = errspkg.ErrShutdown
	ErrSuperseded = errspkg.ErrSuperseded
	ErrStrayReply = errspkg.ErrStrayReply
)

func init() {
	channeltransport.Register()
	natstransport.Register()
}
