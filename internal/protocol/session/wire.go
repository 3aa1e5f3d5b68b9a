package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/termbus/internal/protocol/frame"
	"github.com/danmuck/termbus/internal/protocol/schema"
	"github.com/danmuck/termbus/internal/protocol/tlv"
)

// Error codes carried by OnError responses.
const (
	ErrorCodeGeneric             int32 = 0
	ErrorCodeInvalidChannel      int32 = 1
	ErrorCodeUnknownSubscription int32 = 2
	ErrorCodeUnknownPublication  int32 = 3
	ErrorCodeUnknownCounter      int32 = 5
	ErrorCodeUnknownCommand      int32 = 10
	ErrorCodeMalformedCommand    int32 = 11
	ErrorCodeResourceExhausted   int32 = 14
	ErrorCodeUnknownClient       int32 = 15
)

var (
	ErrInvalidCommand  = errors.New("session: invalid command")
	ErrInvalidResponse = errors.New("session: invalid response")
)

// Command is one client->driver request.
type Command struct {
	Type           uint32
	ClientID       int64
	CorrelationID  int64
	RegistrationID int64
	StreamID       int32
	Channel        string
	CounterTypeID  int32
	CounterKey     []byte
	CounterLabel   string
}

func (c Command) Validate() error {
	if !schema.Known(c.Type) || !schema.IsCommand(c.Type) {
		return fmt.Errorf("%w: %s is not a command", ErrInvalidCommand, schema.Name(c.Type))
	}
	if c.ClientID == 0 {
		return fmt.Errorf("%w: missing client_id", ErrInvalidCommand)
	}
	if c.CorrelationID == 0 {
		return fmt.Errorf("%w: missing correlation_id", ErrInvalidCommand)
	}
	if schema.Requires(c.Type, schema.FieldChannel) && strings.TrimSpace(c.Channel) == "" {
		return fmt.Errorf("%w: %s missing channel", ErrInvalidCommand, schema.Name(c.Type))
	}
	if schema.Requires(c.Type, schema.FieldRegistrationID) && c.RegistrationID == 0 {
		return fmt.Errorf("%w: %s missing registration_id", ErrInvalidCommand, schema.Name(c.Type))
	}
	return nil
}

// Response is one driver->client notification.
type Response struct {
	Type                       uint32
	ClientID                   int64
	CorrelationID              int64
	RegistrationID             int64
	OriginalRegistrationID     int64
	SubscriptionRegistrationID int64
	OffendingCorrelationID     int64
	StreamID                   int32
	SessionID                  int32
	LogName                    string
	PositionLimitCounterID     int32
	SubscriberPositionID       int32
	SourceIdentity             string
	CounterID                  int32
	ErrorCode                  int32
	ErrorMessage               string
}

func (r Response) Validate() error {
	if !schema.Known(r.Type) || schema.IsCommand(r.Type) {
		return fmt.Errorf("%w: %#x is not a response", ErrInvalidResponse, r.Type)
	}
	if schema.Requires(r.Type, schema.FieldLogName) && strings.TrimSpace(r.LogName) == "" {
		return fmt.Errorf("%w: %s missing log_name", ErrInvalidResponse, schema.Name(r.Type))
	}
	return nil
}

func EncodeCommandFrame(c Command) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.I64(schema.FieldClientID, c.ClientID),
		tlv.I64(schema.FieldCorrelationID, c.CorrelationID),
	}
	fields = appendI64(fields, c.Type, schema.FieldRegistrationID, c.RegistrationID)
	fields = appendI32(fields, c.Type, schema.FieldStreamID, c.StreamID)
	fields = appendString(fields, c.Type, schema.FieldChannel, c.Channel)
	fields = appendI32(fields, c.Type, schema.FieldCounterTypeID, c.CounterTypeID)
	if len(c.CounterKey) > 0 || schema.Requires(c.Type, schema.FieldCounterKey) {
		fields = append(fields, tlv.Bytes(schema.FieldCounterKey, c.CounterKey))
	}
	fields = appendString(fields, c.Type, schema.FieldCounterLabel, c.CounterLabel)
	if err := schema.Validate(c.Type, fields); err != nil {
		return nil, err
	}
	payload, err := tlv.EncodeFields(fields)
	if err != nil {
		return nil, err
	}
	return frame.Encode(uint64(c.CorrelationID), c.Type, 0, payload)
}

func DecodeCommandFrame(f frame.Frame) (Command, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Command{}, err
	}
	if !schema.IsCommand(f.Header.MessageType) {
		return Command{}, fmt.Errorf("%w: %s is not a command", ErrInvalidCommand, schema.Name(f.Header.MessageType))
	}
	if err := schema.Validate(f.Header.MessageType, fields); err != nil {
		return Command{}, err
	}
	c := Command{Type: f.Header.MessageType}
	for _, fl := range fields {
		switch fl.ID {
		case schema.FieldClientID:
			c.ClientID, err = fl.Int64()
		case schema.FieldCorrelationID:
			c.CorrelationID, err = fl.Int64()
		case schema.FieldRegistrationID:
			c.RegistrationID, err = fl.Int64()
		case schema.FieldStreamID:
			c.StreamID, err = fl.Int32()
		case schema.FieldChannel:
			c.Channel = string(fl.Value)
		case schema.FieldCounterTypeID:
			c.CounterTypeID, err = fl.Int32()
		case schema.FieldCounterKey:
			c.CounterKey = fl.Value
		case schema.FieldCounterLabel:
			c.CounterLabel = string(fl.Value)
		}
		if err != nil {
			return Command{}, err
		}
	}
	return c, nil
}

// DecodeCommand parses one encoded command frame.
func DecodeCommand(b []byte) (Command, error) {
	f, err := frame.Decode(b)
	if err != nil {
		return Command{}, err
	}
	return DecodeCommandFrame(f)
}

func EncodeResponseFrame(r Response) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	var fields []tlv.Field
	fields = appendI64(fields, r.Type, schema.FieldClientID, r.ClientID)
	fields = appendI64(fields, r.Type, schema.FieldCorrelationID, r.CorrelationID)
	fields = appendI64(fields, r.Type, schema.FieldRegistrationID, r.RegistrationID)
	fields = appendI64(fields, r.Type, schema.FieldOriginalRegistrationID, r.OriginalRegistrationID)
	fields = appendI64(fields, r.Type, schema.FieldSubscriptionRegistrationID, r.SubscriptionRegistrationID)
	fields = appendI64(fields, r.Type, schema.FieldOffendingCorrelationID, r.OffendingCorrelationID)
	fields = appendI32(fields, r.Type, schema.FieldStreamID, r.StreamID)
	fields = appendI32(fields, r.Type, schema.FieldSessionID, r.SessionID)
	fields = appendString(fields, r.Type, schema.FieldLogName, r.LogName)
	fields = appendI32(fields, r.Type, schema.FieldPositionLimitCounterID, r.PositionLimitCounterID)
	fields = appendI32(fields, r.Type, schema.FieldSubscriberPositionID, r.SubscriberPositionID)
	fields = appendString(fields, r.Type, schema.FieldSourceIdentity, r.SourceIdentity)
	fields = appendI32(fields, r.Type, schema.FieldCounterID, r.CounterID)
	fields = appendI32(fields, r.Type, schema.FieldErrorCode, r.ErrorCode)
	fields = appendString(fields, r.Type, schema.FieldErrorMessage, r.ErrorMessage)
	if err := schema.Validate(r.Type, fields); err != nil {
		return nil, err
	}
	flags := frame.FlagIsResponse
	if r.Type == schema.MsgOnError {
		flags |= frame.FlagIsError
	}
	payload, err := tlv.EncodeFields(fields)
	if err != nil {
		return nil, err
	}
	return frame.Encode(uint64(r.CorrelationID), r.Type, flags, payload)
}

func DecodeResponseFrame(f frame.Frame) (Response, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Response{}, err
	}
	if schema.IsCommand(f.Header.MessageType) {
		return Response{}, fmt.Errorf("%w: %s is not a response", ErrInvalidResponse, schema.Name(f.Header.MessageType))
	}
	if err := schema.Validate(f.Header.MessageType, fields); err != nil {
		return Response{}, err
	}
	r := Response{Type: f.Header.MessageType}
	for _, fl := range fields {
		switch fl.ID {
		case schema.FieldClientID:
			r.ClientID, err = fl.Int64()
		case schema.FieldCorrelationID:
			r.CorrelationID, err = fl.Int64()
		case schema.FieldRegistrationID:
			r.RegistrationID, err = fl.Int64()
		case schema.FieldOriginalRegistrationID:
			r.OriginalRegistrationID, err = fl.Int64()
		case schema.FieldSubscriptionRegistrationID:
			r.SubscriptionRegistrationID, err = fl.Int64()
		case schema.FieldOffendingCorrelationID:
			r.OffendingCorrelationID, err = fl.Int64()
		case schema.FieldStreamID:
			r.StreamID, err = fl.Int32()
		case schema.FieldSessionID:
			r.SessionID, err = fl.Int32()
		case schema.FieldLogName:
			r.LogName = string(fl.Value)
		case schema.FieldPositionLimitCounterID:
			r.PositionLimitCounterID, err = fl.Int32()
		case schema.FieldSubscriberPositionID:
			r.SubscriberPositionID, err = fl.Int32()
		case schema.FieldSourceIdentity:
			r.SourceIdentity = string(fl.Value)
		case schema.FieldCounterID:
			r.CounterID, err = fl.Int32()
		case schema.FieldErrorCode:
			r.ErrorCode, err = fl.Int32()
		case schema.FieldErrorMessage:
			r.ErrorMessage = string(fl.Value)
		}
		if err != nil {
			return Response{}, err
		}
	}
	return r, nil
}

// DecodeResponse parses one encoded response frame.
func DecodeResponse(b []byte) (Response, error) {
	f, err := frame.Decode(b)
	if err != nil {
		return Response{}, err
	}
	return DecodeResponseFrame(f)
}

func appendI64(fields []tlv.Field, messageType uint32, id uint16, v int64) []tlv.Field {
	if v == 0 && !schema.Requires(messageType, id) {
		return fields
	}
	return append(fields, tlv.I64(id, v))
}

func appendI32(fields []tlv.Field, messageType uint32, id uint16, v int32) []tlv.Field {
	if v == 0 && !schema.Requires(messageType, id) {
		return fields
	}
	return append(fields, tlv.I32(id, v))
}

func appendString(fields []tlv.Field, messageType uint32, id uint16, v string) []tlv.Field {
	if v == "" && !schema.Requires(messageType, id) {
		return fields
	}
	return append(fields, tlv.String(id, v))
}
