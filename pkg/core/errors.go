package core

import (
	"errors"
)

var (
	ErrSizeExceeded        = errors.New("chainstore: size exceeded")
	ErrContentTooLarge     = errors.New("chainstore: content too large")
	ErrFundingUnavailable  = errors.New("chainstore: funding unavailable")
	ErrBroadcastFailure    = errors.New("chainstore: broadcast failure")
	ErrNotFound            = errors.New("chainstore: not found")
	ErrManifestNotFound    = errors.New("chainstore: manifest not found")
	ErrPartMissing         = errors.New("chainstore: part missing")
	ErrPartialChunkFailure = errors.New("chainstore: partial chunk failure")
	ErrInvalidAddress      = errors.New("chainstore: invalid address")
	ErrInvalidArgument     = errors.New("chainstore: invalid argument")
	ErrCorrupt             = errors.New("chainstore: corrupt data")
	ErrClosed              = errors.New("chainstore: store closed")
)
