package pump

import "errors"

var (
	ErrInvalidAddress = errors.New("invalid device address")
	ErrTransport      = errors.New("transport error")
	ErrDeviceRejected = errors.New("device rejected request")
)
