package license

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrDuplicateKey          = errors.New("key already exists for this seller")
	ErrSellerExists          = errors.New("seller slug or username already taken")
	ErrInvalidInput          = errors.New("invalid input")
	ErrDeviceLimitBelowBound = errors.New("device limit below number of bound devices")
	ErrUnauthorized          = errors.New("unauthorized")
)
