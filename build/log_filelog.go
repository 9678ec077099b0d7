//go:build filelog

package build

import "os"

// This file is only compiled in with the "filelog" build tag. It creates
// (truncating any previous copy) smartvaults-debug.log in the current
// directory and gives RotatingLogWriter a Write method that appends to it.
// Subsystem loggers from GenSubLogger still write to the rotator backend;
// only callers that write through RotatingLogWriter.Write reach this file.

var debugLogFile *os.File

func init() {
	var err error
	debugLogFile, err = os.Create("smartvaults-debug.log")
	if err != nil {
		panic(err)
	}
}

// Write implements io.Writer by appending to the debug log file; it does
// not go through the rotator.
func (r *RotatingLogWriter) Write(b []byte) (int, error) {
	return debugLogFile.Write(b)
}
