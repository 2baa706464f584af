package mailbox

import (
	"fmt"
	"math"
)

const (
	// FlagOffset is the offset of the ownership flag.
	FlagOffset = 0
	// PayloadOffset is the offset of the first payload byte.
	PayloadOffset = 1
)

// Flag is the ownership byte at the head of the segment.
type Flag uint8

const (
	// FlagEmpty hands the slot to the publisher.
	FlagEmpty Flag = 0
	// FlagFull hands the slot to the consumer.
	FlagFull Flag = 1
)

// Valid reports whether f is one of the two protocol values.
func (f Flag) Valid() bool {
	return f == FlagEmpty || f == FlagFull
}

func (f Flag) String() string {
	switch f {
	case FlagEmpty:
		return "EMPTY"
	case FlagFull:
		return "FULL"
	default:
		return fmt.Sprintf("CORRUPT(%d)", uint8(f))
	}
}

// Layout holds the mask dimensions both sides agree on out of band.
type Layout struct {
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
}

// PayloadSize is W*H.
func (l Layout) PayloadSize() int {
	return l.Width * l.Height
}

// Size is the full segment size, flag included.
func (l Layout) Size() int {
	return PayloadOffset + l.PayloadSize()
}

// Validate rejects empty or overflowing dimensions.
func (l Layout) Validate() error {
	if l.Width <= 0 || l.Height <= 0 {
		return fmt.Errorf("%w: invalid dimensions %dx%d", ErrSizeMismatch, l.Width, l.Height)
	}
	if l.Width > math.MaxInt32/l.Height {
		return fmt.Errorf("%w: dimensions %dx%d overflow", ErrSizeMismatch, l.Width, l.Height)
	}
	return nil
}

func (l Layout) String() string {
	return fmt.Sprintf("%dx%d", l.Width, l.Height)
}
