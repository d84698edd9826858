package xmldsig

import (
	"github.com/jonboulle/clockwork"
)

// clockOrReal returns c, or the wall clock when c is nil. Signing and
// validation contexts take a clockwork.Clock so tests can pin the time used
// for SigningTime and certificate validity.
func clockOrReal(c clockwork.Clock) clockwork.Clock {
	if c == nil {
		return clockwork.NewRealClock()
	}
	return c
}
