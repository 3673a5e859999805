package fship

import "github.com/databroker/fship/internal/constants"

// Re-exported wire and topology constants (spec.md §6).
const (
	// SGEMax is the maximum number of scatter-gather elements in a single
	// request or completion payload.
	SGEMax = constants.SGEMax

	// ConnListGranularity is the fixed growth step for a locator
	// connection list's backing capacity.
	ConnListGranularity = constants.ConnListGranularity

	// MaxConnections is the backend-defined upper bound on connection
	// indices a locator connection list may hold.
	MaxConnections = constants.MaxConnections

	// ConnectionsLimit is the server-configurable ceiling on the number of
	// simultaneously accepted client sockets.
	ConnectionsLimit = constants.ConnectionsLimit

	// URLMaxLength bounds the printable length of a connection's peer
	// address string.
	URLMaxLength = constants.URLMaxLength

	// DefaultTagPoolSize is the default number of tags available per
	// namespace before ERR_TAGERROR.
	DefaultTagPoolSize = constants.DefaultTagPoolSize

	// DefaultTimeoutSec is the default per-namespace wait timeout.
	DefaultTimeoutSec = constants.DefaultTimeoutSec
)
