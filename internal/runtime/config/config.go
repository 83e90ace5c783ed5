// Package config holds the immutable configuration for the hello service
// and client runtimes. A Config is constructed once at startup and passed
// into every component; no component reads process state on its own.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/nats-io/nats.go"

	"github.com/ecalabs/helloflow/internal/runtime/wire"
)

// Protocol identifiers of the hello service. Deployments can override all of
// them; these are the interoperable defaults.
const (
	DefaultServiceID    uint16 = 0x6000
	DefaultInstanceID   uint16 = 0x0001
	DefaultMethodID     uint16 = 0x8001
	DefaultEventgroupID uint16 = 0x0100
	DefaultEventID      uint16 = 0x8005

	DefaultMajorVersion uint8  = 1
	DefaultMinorVersion uint32 = 0
)

// Config groups every setting the runtimes consume.
type Config struct {
	// Identity of the offered service.
	ServiceID    uint16
	InstanceID   uint16
	MajorVersion uint8
	MinorVersion uint32

	// Method and event identifiers.
	MethodID     uint16
	EventID      uint16
	EventgroupID uint16

	// AltServiceIDs lists additional service ids the producer answers the
	// same method on. ServiceID is always implied.
	AltServiceIDs []uint16

	// Transport selects the backing transport by registry name
	// ("channel", "nats").
	Transport string

	// NATSURL configures the NATS transport.
	NATSURL string

	// Reliable selects reliable delivery where the transport offers the
	// choice.
	Reliable bool

	// WireMode selects the text payload framing.
	WireMode wire.TextMode

	// RequestTimeout bounds a correlated call. Zero means the correlator
	// default.
	RequestTimeout time.Duration

	// Timers enables or disables each logical timer on the producer.
	Timers map[wire.TimerID]bool

	// Test knobs.
	ToggleAck   bool // reject every second subscription request
	ToggleOffer bool // flip the offered state every OfferToggle period
	FloodEvents bool // emit 1ms events in a tight loop, no timers

	// OfferToggle is the period of the toggle-offer loop.
	OfferToggle time.Duration
}

// Default returns the configuration matching the stock hello service: 1min
// and 1sec timers on, the fast timers off, channel transport, raw text
// framing.
func Default() Config {
	return Config{
		ServiceID:    DefaultServiceID,
		InstanceID:   DefaultInstanceID,
		MajorVersion: DefaultMajorVersion,
		MinorVersion: DefaultMinorVersion,
		MethodID:     DefaultMethodID,
		EventID:      DefaultEventID,
		EventgroupID: DefaultEventgroupID,
		Transport:    "channel",
		NATSURL:      nats.DefaultURL,
		Timers: map[wire.TimerID]bool{
			wire.Timer1Min: true,
			wire.Timer1Sec: true,
			wire.Timer10Ms: false,
			wire.Timer1Ms:  false,
		},
		OfferToggle: 10 * time.Second,
	}
}

// Getter methods implementing the transport config interface.
func (c *Config) GetTransport() string { return c.Transport }
func (c *Config) GetNATSURL() string   { return c.NATSURL }

// ServedServiceIDs returns ServiceID plus the alternates, deduplicated.
func (c *Config) ServedServiceIDs() []uint16 {
	ids := []uint16{c.ServiceID}
	for _, id := range c.AltServiceIDs {
		if id != c.ServiceID {
			ids = append(ids, id)
		}
	}
	return ids
}

// Validate checks the configuration for the selected transport.
func (c *Config) Validate() error {
	var errs []error

	switch c.Transport {
	case "":
		errs = append(errs, errors.New("transport is required"))
	case "nats":
		if c.NATSURL == "" {
			errs = append(errs, errors.New("nats transport requires NATSURL"))
		}
	}
	if c.WireMode != wire.TextRaw && c.WireMode != wire.TextLengthPrefixed {
		errs = append(errs, fmt.Errorf("unknown wire mode %d", c.WireMode))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, errors.New("request timeout must not be negative"))
	}
	for id := range c.Timers {
		if id.Interval() == 0 {
			errs = append(errs, fmt.Errorf("unknown timer id %d", id))
		}
	}

	return errors.Join(errs...)
}

// ParseTimers parses a timer spec of the form "1m:1,1s:true,10ms:0". Tokens
// with unknown timer names or missing separators are reported and skipped;
// valid tokens still apply.
func ParseTimers(spec string) (map[wire.TimerID]bool, error) {
	timers := make(map[wire.TimerID]bool)
	var errs []error
	for _, token := range strings.Split(spec, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		name, value, found := strings.Cut(token, ":")
		if !found {
			errs = append(errs, fmt.Errorf("invalid timer token %q", token))
			continue
		}
		id, ok := wire.ParseTimerID(name)
		if !ok {
			errs = append(errs, fmt.Errorf("unknown timer id %q", name))
			continue
		}
		timers[id] = value == "1" || value == "true"
	}
	return timers, errors.Join(errs...)
}

// fileConfig is the JSON shape of a config file. Identifiers are strings so
// they can be written in hex, the way the protocol documents them.
type fileConfig struct {
	Service    string   `json:"service"`
	Instance   string   `json:"instance"`
	Major      uint8    `json:"major"`
	Minor      uint32   `json:"minor"`
	Method     string   `json:"method"`
	Event      string   `json:"event"`
	Eventgroup string   `json:"eventgroup"`
	AltService []string `json:"alt_services"`

	Transport string `json:"transport"`
	NATSURL   string `json:"nats_url"`
	Reliable  bool   `json:"reliable"`
	WireMode  string `json:"wire_mode"`

	RequestTimeoutMs int    `json:"request_timeout_ms"`
	Timers           string `json:"timers"`

	ToggleAck   bool `json:"toggle_ack"`
	ToggleOffer bool `json:"toggle_offer"`
	FloodEvents bool `json:"flood_events"`
}

// LoadFile reads a JSON config file and overlays it onto the defaults.
// Absent fields keep their default values.
func LoadFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var fc fileConfig
	if err := sonic.Unmarshal(raw, &fc); err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg := Default()
	if err := applyFileConfig(&cfg, fc); err != nil {
		return Config{}, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fc fileConfig) error {
	var errs []error

	setID := func(dst *uint16, value, name string) {
		if value == "" {
			return
		}
		parsed, err := ParseID(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = parsed
	}
	setID(&cfg.ServiceID, fc.Service, "service")
	setID(&cfg.InstanceID, fc.Instance, "instance")
	setID(&cfg.MethodID, fc.Method, "method")
	setID(&cfg.EventID, fc.Event, "event")
	setID(&cfg.EventgroupID, fc.Eventgroup, "eventgroup")

	for _, alt := range fc.AltService {
		parsed, err := ParseID(alt)
		if err != nil {
			errs = append(errs, fmt.Errorf("alt_services: %w", err))
			continue
		}
		cfg.AltServiceIDs = append(cfg.AltServiceIDs, parsed)
	}

	if fc.Major != 0 {
		cfg.MajorVersion = fc.Major
	}
	if fc.Minor != 0 {
		cfg.MinorVersion = fc.Minor
	}
	if fc.Transport != "" {
		cfg.Transport = fc.Transport
	}
	if fc.NATSURL != "" {
		cfg.NATSURL = fc.NATSURL
	}
	cfg.Reliable = fc.Reliable

	switch fc.WireMode {
	case "", "raw":
		cfg.WireMode = wire.TextRaw
	case "length-prefixed":
		cfg.WireMode = wire.TextLengthPrefixed
	default:
		errs = append(errs, fmt.Errorf("unknown wire_mode %q", fc.WireMode))
	}

	if fc.RequestTimeoutMs > 0 {
		cfg.RequestTimeout = time.Duration(fc.RequestTimeoutMs) * time.Millisecond
	}
	if fc.Timers != "" {
		timers, err := ParseTimers(fc.Timers)
		if err != nil {
			errs = append(errs, err)
		}
		for id, enabled := range timers {
			cfg.Timers[id] = enabled
		}
	}

	cfg.ToggleAck = fc.ToggleAck
	cfg.ToggleOffer = fc.ToggleOffer
	cfg.FloodEvents = fc.FloodEvents

	return errors.Join(errs...)
}

// ParseID parses a 16-bit identifier written in decimal or 0x-prefixed hex.
func ParseID(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	base := 10
	if rest, ok := strings.CutPrefix(s, "0x"); ok {
		s, base = rest, 16
	}
	v, err := strconv.ParseUint(s, base, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid identifier %q", s)
	}
	return uint16(v), nil
}
