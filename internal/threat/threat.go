// Package threat holds the process-wide threat dial and the difficulty
// functions derived from it.
//
// The dial is a single integer in [0, 10]:
//
//   - 0: no CAPTCHAs (development only)
//   - 1-3: light protection
//   - 4-6: standard protection
//   - 7-9: high protection (under attack)
//   - 10: maximum lockdown
package threat

import "sync/atomic"

// Level is a threat dial value, clamped to [0, 10].
type Level uint8

const (
	MinLevel     Level = 0
	MaxLevel     Level = 10
	DefaultLevel Level = 5
)

// NewLevel clamps v into the valid range.
func NewLevel(v int) Level {
	if v < 0 {
		return MinLevel
	}
	if v > 10 {
		return MaxLevel
	}
	return Level(v)
}

// RequiresChallenge reports whether requests at this level must solve a
// CAPTCHA before admission.
func (l Level) RequiresChallenge() bool {
	return l > 0
}

// ChallengeCount returns the number of challenges required at this level.
func (l Level) ChallengeCount() int {
	switch {
	case l == 0:
		return 0
	case l <= 3:
		return 1
	case l <= 6:
		return 2
	case l <= 9:
		return 3
	default:
		return 5
	}
}

// Difficulty returns the CAPTCHA difficulty selected by this level.
func (l Level) Difficulty() Difficulty {
	switch {
	case l <= 3:
		return Easy
	case l <= 6:
		return Medium
	case l <= 9:
		return Hard
	default:
		return Extreme
	}
}

// Difficulty is a CAPTCHA difficulty tier.
type Difficulty string

const (
	Easy    Difficulty = "easy"    // 2x2 grid, simple distortion
	Medium  Difficulty = "medium"  // 3x3 grid, moderate distortion
	Hard    Difficulty = "hard"    // 4x4 grid, heavy distortion
	Extreme Difficulty = "extreme" // 5x5 grid, extreme distortion + time pressure
)

// GridSize returns the challenge grid dimensions (cols, rows).
func (d Difficulty) GridSize() (int, int) {
	switch d {
	case Easy:
		return 2, 2
	case Medium:
		return 3, 3
	case Hard:
		return 4, 4
	default:
		return 5, 5
	}
}

// TimeoutSecs returns the client-side solve timeout hint in seconds.
func (d Difficulty) TimeoutSecs() int {
	switch d {
	case Easy:
		return 60
	case Medium:
		return 45
	case Hard:
		return 30
	default:
		return 20
	}
}

// AnswerLength is the number of characters in a generated answer.
func (d Difficulty) AnswerLength() int {
	switch d {
	case Easy:
		return 4
	case Medium:
		return 5
	case Hard:
		return 6
	default:
		return 8
	}
}

// CaseSensitive reports whether answers at this difficulty must match
// exactly. Easy and Medium compare case-insensitively.
func (d Difficulty) CaseSensitive() bool {
	return d == Hard || d == Extreme
}

// Dial is the process-wide mutable threat level. Reads are frequent (every
// challenge request); writes happen only through the admin path, so it is a
// single atomic integer rather than a lock.
type Dial struct {
	level atomic.Int32
}

// NewDial returns a dial initialised to the given level.
func NewDial(initial Level) *Dial {
	d := &Dial{}
	d.level.Store(int32(initial))
	return d
}

// Level returns the current threat level.
func (d *Dial) Level() Level {
	return Level(d.level.Load())
}

// Set updates the dial, clamping to the valid range, and returns the value
// actually stored.
func (d *Dial) Set(v int) Level {
	l := NewLevel(v)
	d.level.Store(int32(l))
	return l
}
