package client

import "errors"

// Negative offer results. Positive results are stream positions.
const (
	NotConnected        int64 = -1
	BackPressured       int64 = -2
	AdminAction         int64 = -3
	PublicationClosed   int64 = -4
	MaxPositionExceeded int64 = -5
	MessageTooLong      int64 = -6
)

var (
	ErrNotConnected        = errors.New("client: not connected")
	ErrBackPressured       = errors.New("client: back pressured")
	ErrAdminAction         = errors.New("client: admin action")
	ErrPublicationClosed   = errors.New("client: publication closed")
	ErrMaxPositionExceeded = errors.New("client: max position exceeded")
	ErrMessageTooLong      = errors.New("client: message too long")
)

// IsRetryable reports whether an offer that returned status may succeed if repeated.
func IsRetryable(status int64) bool {
	switch status {
	case NotConnected, BackPressured, AdminAction:
		return true
	default:
		return false
	}
}

// ErrorForStatus maps a negative offer result to its sentinel error; nil for positions.
func ErrorForStatus(status int64) error {
	switch status {
	case NotConnected:
		return ErrNotConnected
	case BackPressured:
		return ErrBackPressured
	case AdminAction:
		return ErrAdminAction
	case PublicationClosed:
		return ErrPublicationClosed
	case MaxPositionExceeded:
		return ErrMaxPositionExceeded
	case MessageTooLong:
		return ErrMessageTooLong
	default:
		return nil
	}
}

// StatusName labels an offer result for logs and metrics.
func StatusName(status int64) string {
	switch status {
	case NotConnected:
		return "not_connected"
	case BackPressured:
		return "back_pressured"
	case AdminAction:
		return "admin_action"
	case PublicationClosed:
		return "closed"
	case MaxPositionExceeded:
		return "max_position_exceeded"
	case MessageTooLong:
		return "message_too_long"
	}
	if status >= 0 {
		return "ok"
	}
	return "unknown"
}
