package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrMissingOrderID = errors.New("order id is required")
	ErrInvalidOrder   = errors.New("invalid order parameters")
	ErrConnectFailed  = errors.New("could not connect to gateway")
	ErrReadyTimeout   = errors.New("timed out waiting for next valid id")
	ErrNotReady       = errors.New("next valid id is not available")
	ErrSessionClosed  = errors.New("session closed")
	ErrSubmitFailed   = errors.New("order submission failed")
	ErrWSDisconnect   = errors.New("websocket disconnected")
	ErrLockHeld       = errors.New("lock is held by another process")
)
