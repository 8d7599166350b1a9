package codes

import (
	"errors"
	"fmt"
	"time"
)

// DefaultHorizon is the number of days covered by a chain, five years from
// the epoch.
const DefaultHorizon = 365 * 5

// Epoch is day zero of every chain.
var Epoch = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

var (
	ErrInvalidRange  = errors.New("codes: range must cover at least one day")
	ErrBeyondHorizon = errors.New("codes: day outside chain horizon")
)

// Chain holds the day codes of one device and resolves them against the
// current day.
type Chain struct {
	values  []int64
	horizon int
	now     func() time.Time
}

// Option configures a Chain.
type Option func(*Chain)

// WithHorizon sets the number of day codes derived.
func WithHorizon(days int) Option {
	return func(c *Chain) {
		if days > 0 {
			c.horizon = days
		}
	}
}

// WithClock overrides the time source used to compute today.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) {
		if now != nil {
			c.now = now
		}
	}
}

// New derives the chain of secret. The secret is not retained.
func New(secret []byte, opts ...Option) *Chain {
	c := &Chain{horizon: DefaultHorizon, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.values = DayCodes(secret, c.horizon)
	return c
}

// Horizon returns the number of days covered.
func (c *Chain) Horizon() int { return c.horizon }

// Today returns the number of whole days elapsed since Epoch.
func (c *Chain) Today() int {
	return DayIndex(c.now())
}

// DayIndex returns the chain index of t.
func DayIndex(t time.Time) int {
	d := t.Sub(Epoch)
	if d < 0 {
		return -1 - int((-d-1)/day)
	}
	return int(d / day)
}

// At returns the day code at index i.
func (c *Chain) At(i int) (int64, error) {
	if i < 0 || i >= len(c.values) {
		return 0, fmt.Errorf("%w: day %d, horizon %d", ErrBeyondHorizon, i, c.horizon)
	}
	return c.values[i], nil
}

// Current returns today's day code.
func (c *Chain) Current() (int64, error) {
	return c.At(c.Today())
}

// Range returns the day codes of today and the n-1 days before it, oldest
// first.
func (c *Chain) Range(n int) ([]int64, error) {
	if n < 1 {
		return nil, ErrInvalidRange
	}
	end := c.Today() + 1
	from := end - n
	if from < 0 || end > len(c.values) {
		return nil, fmt.Errorf("%w: days [%d,%d), horizon %d", ErrBeyondHorizon, from, end, c.horizon)
	}
	return Slice(c.values, from, end), nil
}

// BeaconCodeSeeds returns the seeds of Range(n).
func (c *Chain) BeaconCodeSeeds(n int) ([]int64, error) {
	dcs, err := c.Range(n)
	if err != nil {
		return nil, err
	}
	return Seeds(dcs), nil
}

// HumanReadable renders today's code as up to six letters.
func (c *Chain) HumanReadable() (string, error) {
	v, err := c.Current()
	if err != nil {
		return "", err
	}
	return Human(v), nil
}

// Human renders a day code as up to six letters.
func Human(dayCode int64) string {
	return Letters(dayCode % (26 * 26 * 26 * 26 * 26 * 26))
}

// Letters converts v to base 26 using A-Z, most significant first. Leading
// zero digits are dropped and non-positive values render as "".
func Letters(v int64) string {
	if v <= 0 {
		return ""
	}
	return Letters(v/26) + string(rune('A'+v%26))
}
