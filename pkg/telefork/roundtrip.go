package telefork

import (
	"io"

	"github.com/thundergolfer-labs/telefork/internal/telecfg"
)

// RoundTrip composes Fork and Accept over an in-process pipe, for
// tests that want to exercise the round-trip property (restoring a
// checkpoint reproduces an equivalent process) without two machines or
// two separate binary invocations. It forks a frozen clone of the calling
// process, streams it through the pipe, and concurrently accepts that
// stream into a freshly hollowed local victim.
//
// Grounded on the yoyo-style round-trip test harness pattern (drive
// both ends of a protocol against a single in-memory pipe rather than
// real sockets) adapted to this engine's two blocking, synchronous
// entry points, which must run on separate goroutines to avoid
// deadlocking each other on the pipe.
func RoundTrip(passToChild int32, cfg telecfg.Config) (victimPID int32, forkErr error, acceptErr error) {
	pr, pw := io.Pipe()

	forkDone := make(chan error, 1)
	go func() {
		_, err := Fork(pw, cfg)
		pw.CloseWithError(err)
		forkDone <- err
	}()

	victimPID, acceptErr = Accept(pr, passToChild, cfg)
	forkErr = <-forkDone
	return victimPID, forkErr, acceptErr
}
