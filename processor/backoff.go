package processor

import (
	"time"

	"paycore/ledger"
	"paycore/payment"
)

// Backoff delays between retries of a single record. The growth curve
// depends on why the last attempt did not finish:
//
//   - rate limited: start high and double, honouring any server delay
//   - connection or timeout: plain exponential
//   - status still unknown before verification: gentle growth, the
//     network usually settles a transaction within seconds
//   - missing ledger timestamp: aggressive growth with an hour floor,
//     the ledger only backfills timestamps on a slow cadence
type Backoff struct {
	attempts int
	kind     retryClass
}

type retryClass int

const (
	classTransport retryClass = iota
	classRateLimited
	classUnverified
	classTimestamp
)

const (
	transportBase   = 2 * time.Second
	rateLimitedBase = 30 * time.Second
	unverifiedBase  = 2 * time.Second
	timestampFloor  = time.Hour

	maxDelay = 6 * time.Hour
)

func classify(state payment.State, kind ledger.Kind) retryClass {
	if kind == ledger.KindRateLimited {
		return classRateLimited
	}
	if kind == ledger.KindConnection || kind == ledger.KindTimeout {
		return classTransport
	}
	switch state {
	case payment.StateOutgoingMissingLedgerTimestamp, payment.StateIncomingMissingLedgerTimestamp:
		return classTimestamp
	default:
		return classUnverified
	}
}

// Next records another failed attempt and returns the delay before the
// record should be touched again. A change of failure class resets the
// attempt count.
func (b *Backoff) Next(state payment.State, kind ledger.Kind, serverDelay time.Duration) time.Duration {
	class := classify(state, kind)
	if class != b.kind {
		b.kind = class
		b.attempts = 0
	}
	b.attempts++

	var delay time.Duration
	switch class {
	case classRateLimited:
		delay = rateLimitedBase + serverDelay
		for i := 1; i < b.attempts; i++ {
			delay *= 2
			if delay > maxDelay {
				break
			}
		}
	case classTransport:
		delay = transportBase
		for i := 1; i < b.attempts; i++ {
			delay *= 2
			if delay > maxDelay {
				break
			}
		}
	case classTimestamp:
		delay = timestampFloor
		for i := 1; i < b.attempts; i++ {
			delay *= 4
			if delay > maxDelay {
				break
			}
		}
	default:
		delay = unverifiedBase
		for i := 1; i < b.attempts; i++ {
			delay = delay * 3 / 2
			if delay > maxDelay {
				break
			}
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// Reset clears the attempt history after a successful step.
func (b *Backoff) Reset() {
	b.attempts = 0
	b.kind = classTransport
}

// Attempts returns the failed attempt count in the current class.
func (b *Backoff) Attempts() int { return b.attempts }
