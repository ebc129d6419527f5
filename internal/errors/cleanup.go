// Package errors provides small cleanup helpers shared across the agent's
// subprocess and HTTP-facing code, so a deferred close failure never gets
// silently swallowed by the bare `defer x.Close()` idiom.
package errors

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// DeferClose closes closer and logs any error under msg, instead of
// discarding it the way a bare `defer resp.Body.Close()` would. Its caller
// in this agent is the heartbeat client's HTTP response body, where a close
// failure is worth knowing about but never worth failing the calling
// operation over.
func DeferClose(logger zerolog.Logger, closer io.Closer, msg string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn().Err(err).Msg(msg)
	}
}

// Must panics if err is non-nil, prefixed with msg. Reserved for agent
// startup checks (e.g. "this binary only runs on Linux") where there is no
// sensible way to continue and no caller left to hand the error back to.
func Must(err error, msg string) {
	if err != nil {
		panic(fmt.Sprintf("%s: %v", msg, err))
	}
}
