package syncloop

import (
	"github.com/btcsuite/btclog"
	"github.com/smartvaults/smartvaults-core/build"
)

var log = build.NewSubLogger("SYNC", nil)

// UseLogger replaces this package's logger with the passed one.
func UseLogger(logger btclog.Logger) {
	log = logger
}
