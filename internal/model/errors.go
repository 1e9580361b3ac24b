package model

import "errors"

var (
	ErrMalformedPacket = errors.New("malformed packet")
	ErrConfigMismatch  = errors.New("config mismatch")
	ErrUnknownField    = errors.New("unknown field")
	ErrFieldLength     = errors.New("field length mismatch")
	ErrFieldValue      = errors.New("field value outside rule domain")
)
