package transport

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/ecalabs/helloflow/internal/runtime/ids"
)

// Metadata keys used on watermill messages. Frames travel with their header
// fields in metadata and the codec payload as the message body.
const (
	metaService          = "hf_service"
	metaInstance         = "hf_instance"
	metaMethod           = "hf_method"
	metaType             = "hf_type"
	metaProtocolVersion  = "hf_protocol_version"
	metaInterfaceVersion = "hf_interface_version"
	metaReturnCode       = "hf_return_code"
	metaClient           = "hf_client"
	metaCorrelationID    = "hf_correlation_id"
	metaReliable         = "hf_reliable"

	// Control-plane keys for the discovery/subscription topic.
	metaOp         = "hf_op"
	metaEventgroup = "hf_eventgroup"
)

// Control-plane operations.
const (
	opOffer         = "offer"
	opStopOffer     = "stop_offer"
	opFind          = "find"
	opSubscribe     = "subscribe"
	opUnsubscribe   = "unsubscribe"
	opSubscribeAck  = "subscribe_ack"
	opSubscribeNack = "subscribe_nack"
)

func topicControl() string {
	return "hello.sd"
}

func topicRPC(service, instance uint16) string {
	return fmt.Sprintf("hello.%04x.%04x.rpc", service, instance)
}

func topicEvents(service, instance, eventgroup uint16) string {
	return fmt.Sprintf("hello.%04x.%04x.events.%04x", service, instance, eventgroup)
}

func topicReply(client string) string {
	return "hello.reply." + client
}

func putUint16(md message.Metadata, key string, v uint16) {
	md.Set(key, strconv.FormatUint(uint64(v), 16))
}

func getUint16(md message.Metadata, key string) (uint16, error) {
	raw := md.Get(key)
	if raw == "" {
		return 0, fmt.Errorf("metadata %s missing", key)
	}
	v, err := strconv.ParseUint(raw, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("metadata %s: %w", key, err)
	}
	return uint16(v), nil
}

func putUint8(md message.Metadata, key string, v uint8) {
	md.Set(key, strconv.FormatUint(uint64(v), 16))
}

func getUint8(md message.Metadata, key string) (uint8, error) {
	raw := md.Get(key)
	if raw == "" {
		return 0, fmt.Errorf("metadata %s missing", key)
	}
	v, err := strconv.ParseUint(raw, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("metadata %s: %w", key, err)
	}
	return uint8(v), nil
}

// frameToMessage packs a frame into a watermill message. The payload is
// copied so callers may reuse their encode buffers after send.
func frameToMessage(frame Frame, reliable bool) *message.Message {
	msg := message.NewMessage(ids.NewCorrelationID(), bytes.Clone(frame.Payload))
	putUint16(msg.Metadata, metaService, frame.Service)
	putUint16(msg.Metadata, metaInstance, frame.Instance)
	putUint16(msg.Metadata, metaMethod, frame.Method)
	putUint8(msg.Metadata, metaType, uint8(frame.Type))
	putUint8(msg.Metadata, metaProtocolVersion, frame.ProtocolVersion)
	putUint8(msg.Metadata, metaInterfaceVersion, frame.InterfaceVersion)
	putUint8(msg.Metadata, metaReturnCode, uint8(frame.ReturnCode))
	msg.Metadata.Set(metaClient, frame.Client)
	msg.Metadata.Set(metaCorrelationID, frame.CorrelationID)
	msg.Metadata.Set(metaReliable, strconv.FormatBool(reliable))
	return msg
}

// messageToFrame unpacks a watermill message back into a frame.
func messageToFrame(msg *message.Message) (Frame, error) {
	var (
		frame Frame
		err   error
	)
	if frame.Service, err = getUint16(msg.Metadata, metaService); err != nil {
		return Frame{}, err
	}
	if frame.Instance, err = getUint16(msg.Metadata, metaInstance); err != nil {
		return Frame{}, err
	}
	if frame.Method, err = getUint16(msg.Metadata, metaMethod); err != nil {
		return Frame{}, err
	}
	var b uint8
	if b, err = getUint8(msg.Metadata, metaType); err != nil {
		return Frame{}, err
	}
	frame.Type = MessageType(b)
	if b, err = getUint8(msg.Metadata, metaProtocolVersion); err != nil {
		return Frame{}, err
	}
	frame.ProtocolVersion = b
	if b, err = getUint8(msg.Metadata, metaInterfaceVersion); err != nil {
		return Frame{}, err
	}
	frame.InterfaceVersion = b
	if b, err = getUint8(msg.Metadata, metaReturnCode); err != nil {
		return Frame{}, err
	}
	frame.ReturnCode = ReturnCode(b)
	frame.Client = msg.Metadata.Get(metaClient)
	frame.CorrelationID = msg.Metadata.Get(metaCorrelationID)
	frame.Payload = msg.Payload
	return frame, nil
}

// controlMessage builds a control-plane message for the discovery topic.
func controlMessage(op, client string, service, instance, eventgroup uint16) *message.Message {
	msg := message.NewMessage(ids.NewCorrelationID(), nil)
	msg.Metadata.Set(metaOp, op)
	msg.Metadata.Set(metaClient, client)
	putUint16(msg.Metadata, metaService, service)
	putUint16(msg.Metadata, metaInstance, instance)
	putUint16(msg.Metadata, metaEventgroup, eventgroup)
	return msg
}
