package common

import (
	"fmt"

	"github.com/suPer8Hu/eventshim/internal/logging"
)

// NeverRaise runs a best-effort side path (notification, logging, cache
// maintenance). Errors and panics are logged and swallowed so they never
// mask the outcome of the primary operation.
func NeverRaise(log *logging.Logger, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("op", name).Str("panic", fmt.Sprint(r)).Msg("best-effort operation panicked")
		}
	}()
	if err := fn(); err != nil {
		log.Warn().Err(err).Str("op", name).Msg("best-effort operation failed")
	}
}
