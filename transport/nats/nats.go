// Package nats provides a NATS Core transport for helloflow.
package nats

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/ecalabs/helloflow/transport"
)

// Name is the registry key for the NATS backend.
const Name = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return wmnats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg wmnats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return wmnats.NewSubscriber(cfg, logger)
}

// Build connects both halves to the configured broker.
func Build(_ context.Context, name string, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	marshaler := &wmnats.NATSMarshaler{}

	publisher, err := PublisherFactory(
		wmnats.PublisherConfig{
			URL:       url,
			Marshaler: marshaler,
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	subscriber, err := SubscriberFactory(
		wmnats.SubscriberConfig{
			URL:         url,
			Unmarshaler: marshaler,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}

	closer := func() error {
		return errors.Join(publisher.Close(), subscriber.Close())
	}
	return transport.NewPubSub(name, publisher, subscriber, closer, logger), nil
}

// Capabilities describes the NATS backend.
func Capabilities() transport.Capabilities {
	return transport.Capabilities{
		Reliable:     false,
		CrossProcess: true,
	}
}

// Register adds the backend to the default registry.
func Register() {
	transport.RegisterWithCapabilities(Name, Build, Capabilities())
}
