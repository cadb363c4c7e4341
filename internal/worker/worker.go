package worker

import (
	"fmt"
	"time"

	"github.com/psantana5/threadloop/pkg/logging"
)

// DefaultDelay is how long each worker blocks before returning.
const DefaultDelay = 1000 * time.Millisecond

// ExitSuccess is the only status a worker routine returns.
const ExitSuccess uint32 = 0

// Routine is the unit of work executed on a spawned thread.
// The argument is reserved and always nil.
type Routine func(arg any) uint32

// Sleep returns a routine that logs once, blocks for delay and returns ExitSuccess.
// A nil logger discards the log line.
func Sleep(delay time.Duration, logger *logging.Logger) Routine {
	if delay < 0 {
		delay = 0
	}
	return func(_ any) uint32 {
		if logger != nil {
			logger.Info(fmt.Sprintf("Starting work, sleeping %s", delay))
		}
		time.Sleep(delay)
		return ExitSuccess
	}
}
