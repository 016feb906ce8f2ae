package mediaengine

import "errors"

var (
	ErrClosed            = errors.New("handle closed")
	ErrEngineDead        = errors.New("media engine is dead")
	ErrForeignHandle     = errors.New("handle does not belong to this engine")
	ErrProducerNotFound  = errors.New("producer not found")
	ErrIncompatible      = errors.New("capabilities cannot consume producer")
	ErrUnsupportedCodec  = errors.New("codec not supported by router")
	ErrWrongRole         = errors.New("operation not allowed on transport role")
	ErrInvalidParameters = errors.New("invalid parameters")
)
