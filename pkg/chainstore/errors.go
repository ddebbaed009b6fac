package chainstore

import (
	"github.com/agenthands/chainstore/pkg/chunked"
	"github.com/agenthands/chainstore/pkg/core"
)

var (
	ErrSizeExceeded        = core.ErrSizeExceeded
	ErrContentTooLarge     = core.ErrContentTooLarge
	ErrFundingUnavailable  = core.ErrFundingUnavailable
	ErrBroadcastFailure    = core.ErrBroadcastFailure
	ErrNotFound            = core.ErrNotFound
	ErrManifestNotFound    = core.ErrManifestNotFound
	ErrPartMissing         = core.ErrPartMissing
	ErrPartialChunkFailure = core.ErrPartialChunkFailure
	ErrInvalidAddress      = core.ErrInvalidAddress
	ErrInvalidArgument     = core.ErrInvalidArgument
	ErrCorrupt             = core.ErrCorrupt
	ErrClosed              = core.ErrClosed
)

// PartialChunkError is returned by chunked stores that committed some
// parts before failing.
type PartialChunkError = chunked.PartialChunkError
