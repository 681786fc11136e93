package domain

import "errors"

var (
	// ErrUnauthorized means the connect-time token was missing or failed
	// both verification strategies. Hard deny, no connection record.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the connection may not touch the target widget.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound means a widget or connection record is missing.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument means a malformed message body or action payload.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnsupportedWidgetType means the action engine has no transition
	// function registered for the widget's type.
	ErrUnsupportedWidgetType = errors.New("unsupported widget type")
	// ErrRecipientGone is the relay's signal that a connection is
	// permanently unreachable. It triggers reaping and is never surfaced
	// to the sender.
	ErrRecipientGone = errors.New("recipient gone")
)
