package domain

import (
	"errors"

	"meshcoord/pkg/deadline"
)

var (
	ErrParser      = errors.New("parser error")
	ErrTransport   = errors.New("transport error")
	ErrTimeout     = deadline.ErrTimeout
	ErrUnsupported = errors.New("capability not supported")
)
