package smartvaults

import (
	"github.com/btcsuite/btclog"
	"github.com/smartvaults/smartvaults-core/build"
	"github.com/smartvaults/smartvaults-core/eventhandler"
	"github.com/smartvaults/smartvaults-core/lnwallet"
	"github.com/smartvaults/smartvaults-core/proposal"
	"github.com/smartvaults/smartvaults-core/relay/wsrelay"
	"github.com/smartvaults/smartvaults-core/syncloop"
	"github.com/smartvaults/smartvaults-core/walletmgr"
)

// SetupLoggers registers every package-level subsystem logger against root,
// the same role the teacher's SetupLoggers plays for its own subsystem set,
// restricted here to the packages this module actually ships.
func SetupLoggers(root *build.RotatingLogWriter) {
	AddSubLogger(root, "PRSL", proposal.UseLogger)
	AddSubLogger(root, "SYNC", syncloop.UseLogger)
	AddSubLogger(root, "CDEC", eventhandler.UseLogger)
	AddSubLogger(root, "WMGR", walletmgr.UseLogger)
	AddSubLogger(root, "LWLT", lnwallet.UseLogger)
	AddSubLogger(root, "WSRL", wsrelay.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.RotatingLogWriter, subsystem string,
	useLoggers ...func(btclog.Logger)) {

	logger := build.NewSubLogger(subsystem, root.GenSubLogger)
	SetSubLogger(root, subsystem, logger, useLoggers...)
}

// SetSubLogger is a helper method to conveniently register the logger of a
// sub system.
func SetSubLogger(root *build.RotatingLogWriter, subsystem string,
	logger btclog.Logger, useLoggers ...func(btclog.Logger)) {

	root.RegisterSubLogger(subsystem, logger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}

// logClosure is used to provide a closure over expensive logging operations
// so they aren't performed when the logging level doesn't warrant it.
type logClosure func() string

// String invokes the underlying function and returns the result.
func (c logClosure) String() string {
	return c()
}

// newLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with the
// logging system.
func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}
