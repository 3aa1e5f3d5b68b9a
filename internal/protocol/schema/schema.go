package schema

import (
	"fmt"

	"github.com/danmuck/termbus/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Command message type ids, client to driver.
const (
	MsgAddPublication          uint32 = 0x01
	MsgRemovePublication       uint32 = 0x02
	MsgAddExclusivePublication uint32 = 0x03
	MsgAddSubscription         uint32 = 0x04
	MsgRemoveSubscription      uint32 = 0x05
	MsgClientKeepalive         uint32 = 0x06
	MsgAddCounter              uint32 = 0x09
	MsgRemoveCounter           uint32 = 0x0A
	MsgClientClose             uint32 = 0x0B
)

// Response message type ids, driver to client.
const (
	MsgOnError                     uint32 = 0x0F01
	MsgOnAvailableImage            uint32 = 0x0F02
	MsgOnPublicationReady          uint32 = 0x0F03
	MsgOnOperationSuccess          uint32 = 0x0F04
	MsgOnUnavailableImage          uint32 = 0x0F05
	MsgOnExclusivePublicationReady uint32 = 0x0F06
	MsgOnSubscriptionReady         uint32 = 0x0F07
	MsgOnCounterReady              uint32 = 0x0F08
	MsgOnUnavailableCounter        uint32 = 0x0F09
	MsgOnClientTimeout             uint32 = 0x0F0A
)

// Field IDs from the command wire contract.
const (
	FieldClientID      uint16 = 1
	FieldCorrelationID uint16 = 2

	FieldRegistrationID             uint16 = 100
	FieldOriginalRegistrationID     uint16 = 101
	FieldSubscriptionRegistrationID uint16 = 102
	FieldOffendingCorrelationID     uint16 = 103

	FieldStreamID  uint16 = 200
	FieldSessionID uint16 = 201
	FieldChannel   uint16 = 202

	FieldLogName                uint16 = 300
	FieldPositionLimitCounterID uint16 = 301
	FieldSubscriberPositionID   uint16 = 302
	FieldSourceIdentity         uint16 = 303

	FieldCounterTypeID uint16 = 400
	FieldCounterKey    uint16 = 401
	FieldCounterLabel  uint16 = 402
	FieldCounterID     uint16 = 403

	FieldErrorCode    uint16 = 500
	FieldErrorMessage uint16 = 501
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%#x: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%#x field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var (
	clientCorrelated = []Requirement{
		{FieldClientID, tlv.TypeI64},
		{FieldCorrelationID, tlv.TypeI64},
	}
	streamCommand = append(append([]Requirement(nil), clientCorrelated...),
		Requirement{FieldStreamID, tlv.TypeI32},
		Requirement{FieldChannel, tlv.TypeString},
	)
	removeCommand = append(append([]Requirement(nil), clientCorrelated...),
		Requirement{FieldRegistrationID, tlv.TypeI64},
	)
	publicationReady = []Requirement{
		{FieldCorrelationID, tlv.TypeI64},
		{FieldRegistrationID, tlv.TypeI64},
		{FieldStreamID, tlv.TypeI32},
		{FieldSessionID, tlv.TypeI32},
		{FieldLogName, tlv.TypeString},
		{FieldPositionLimitCounterID, tlv.TypeI32},
	}
)

var requirements = map[uint32][]Requirement{
	MsgAddPublication:          streamCommand,
	MsgAddExclusivePublication: streamCommand,
	MsgAddSubscription:         streamCommand,
	MsgRemovePublication:       removeCommand,
	MsgRemoveSubscription:      removeCommand,
	MsgRemoveCounter:           removeCommand,
	MsgClientKeepalive:         clientCorrelated,
	MsgClientClose:             clientCorrelated,
	MsgAddCounter: append(append([]Requirement(nil), clientCorrelated...),
		Requirement{FieldCounterTypeID, tlv.TypeI32},
		Requirement{FieldCounterKey, tlv.TypeBytes},
		Requirement{FieldCounterLabel, tlv.TypeString},
	),

	MsgOnError: {
		{FieldOffendingCorrelationID, tlv.TypeI64},
		{FieldErrorCode, tlv.TypeI32},
		{FieldErrorMessage, tlv.TypeString},
	},
	MsgOnPublicationReady:          publicationReady,
	MsgOnExclusivePublicationReady: publicationReady,
	MsgOnSubscriptionReady: {
		{FieldCorrelationID, tlv.TypeI64},
	},
	MsgOnOperationSuccess: {
		{FieldCorrelationID, tlv.TypeI64},
	},
	MsgOnAvailableImage: {
		{FieldCorrelationID, tlv.TypeI64},
		{FieldSubscriptionRegistrationID, tlv.TypeI64},
		{FieldStreamID, tlv.TypeI32},
		{FieldSessionID, tlv.TypeI32},
		{FieldLogName, tlv.TypeString},
		{FieldSubscriberPositionID, tlv.TypeI32},
		{FieldSourceIdentity, tlv.TypeString},
	},
	MsgOnUnavailableImage: {
		{FieldCorrelationID, tlv.TypeI64},
		{FieldSubscriptionRegistrationID, tlv.TypeI64},
		{FieldStreamID, tlv.TypeI32},
	},
	MsgOnCounterReady: {
		{FieldCorrelationID, tlv.TypeI64},
		{FieldCounterID, tlv.TypeI32},
	},
	MsgOnUnavailableCounter: {
		{FieldCorrelationID, tlv.TypeI64},
		{FieldCounterID, tlv.TypeI32},
	},
	MsgOnClientTimeout: {
		{FieldClientID, tlv.TypeI64},
	},
}

// Name returns a stable label for a message type, used in logs and metrics.
func Name(messageType uint32) string {
	switch messageType {
	case MsgAddPublication:
		return "add_publication"
	case MsgRemovePublication:
		return "remove_publication"
	case MsgAddExclusivePublication:
		return "add_exclusive_publication"
	case MsgAddSubscription:
		return "add_subscription"
	case MsgRemoveSubscription:
		return "remove_subscription"
	case MsgClientKeepalive:
		return "client_keepalive"
	case MsgAddCounter:
		return "add_counter"
	case MsgRemoveCounter:
		return "remove_counter"
	case MsgClientClose:
		return "client_close"
	case MsgOnError:
		return "on_error"
	case MsgOnAvailableImage:
		return "on_available_image"
	case MsgOnPublicationReady:
		return "on_publication_ready"
	case MsgOnOperationSuccess:
		return "on_operation_success"
	case MsgOnUnavailableImage:
		return "on_unavailable_image"
	case MsgOnExclusivePublicationReady:
		return "on_exclusive_publication_ready"
	case MsgOnSubscriptionReady:
		return "on_subscription_ready"
	case MsgOnCounterReady:
		return "on_counter_ready"
	case MsgOnUnavailableCounter:
		return "on_unavailable_counter"
	case MsgOnClientTimeout:
		return "on_client_timeout"
	default:
		return fmt.Sprintf("unknown_%#x", messageType)
	}
}

// IsCommand reports whether messageType travels client to driver.
func IsCommand(messageType uint32) bool {
	return messageType < MsgOnError
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.Find(fields, req.ID)
		if !found {
			log.Error().
				Str("message", Name(messageType)).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Str("message", Name(messageType)).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}

// Requires reports whether fieldID is mandatory for messageType.
func Requires(messageType uint32, fieldID uint16) bool {
	for _, req := range requirements[messageType] {
		if req.ID == fieldID {
			return true
		}
	}
	return false
}

// Known reports whether messageType has a registered field contract.
func Known(messageType uint32) bool {
	_, ok := requirements[messageType]
	return ok
}
