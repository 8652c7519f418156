package transport

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Strategy selects how the reconnect interval evolves between attempts.
type Strategy string

const (
	StrategyConstant    Strategy = "constant"
	StrategyExponential Strategy = "exponential"
)

// DefaultReconnectInterval is the fixed delay between reconnect attempts.
const DefaultReconnectInterval = 10 * time.Second

// ReconnectPolicy configures the reconnect timer. The zero value retries every
// DefaultReconnectInterval forever.
type ReconnectPolicy struct {
	Interval    time.Duration // delay before the first attempt (and every attempt, for constant)
	Strategy    Strategy      // constant (default) or exponential
	MaxInterval time.Duration // exponential only; 0 keeps the backoff library default
	MaxAttempts uint64        // 0 means unbounded; once exhausted the transport drops its address
}

// DefaultReconnectPolicy returns the reference behaviour: constant 10s, no cap.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Interval: DefaultReconnectInterval, Strategy: StrategyConstant}
}

func (p ReconnectPolicy) Validate() error {
	if p.Interval < 0 {
		return fmt.Errorf("reconnect interval must not be negative: %s", p.Interval)
	}
	switch p.Strategy {
	case "", StrategyConstant, StrategyExponential:
	default:
		return fmt.Errorf("unknown reconnect strategy %q", p.Strategy)
	}
	if p.MaxInterval != 0 && p.MaxInterval < p.Interval {
		return fmt.Errorf("reconnect max interval %s is below interval %s", p.MaxInterval, p.Interval)
	}
	return nil
}

// newBackOff builds a fresh backoff.BackOff for one transport.
func (p ReconnectPolicy) newBackOff() backoff.BackOff {
	interval := p.Interval
	if interval == 0 {
		interval = DefaultReconnectInterval
	}

	var b backoff.BackOff
	switch p.Strategy {
	case StrategyExponential:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = interval
		if p.MaxInterval > 0 {
			eb.MaxInterval = p.MaxInterval
		}
		eb.MaxElapsedTime = 0 // never stop on elapsed time; MaxAttempts is the only cap
		eb.Reset()
		b = eb
	default:
		b = backoff.NewConstantBackOff(interval)
	}

	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, p.MaxAttempts)
	}
	return b
}
