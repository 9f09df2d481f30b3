// Package captcha implements challenge generation, the pre-generation pool
// (Ammo Box), and answer verification.
package captcha

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	mrand "math/rand"
	"strings"
	"time"

	"github.com/cerberus-gate/fortify/internal/threat"
)

const (
	imageWidth  = 200
	imageHeight = 80
)

const answerAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Pregen is a ready-to-serve CAPTCHA: the answer text and the rendered
// image as a data URL.
type Pregen struct {
	Answer      string            `json:"answer"`
	ImageData   string            `json:"image_data"`
	Difficulty  threat.Difficulty `json:"difficulty"`
	GeneratedAt int64             `json:"generated_at"`
}

// Generate produces one CAPTCHA at the given difficulty. Generation never
// fails: the image is a self-contained SVG, no fonts or external assets.
func Generate(difficulty threat.Difficulty) Pregen {
	answer := randomAnswer(difficulty)
	return Pregen{
		Answer:      answer,
		ImageData:   renderSVG(answer, difficulty),
		Difficulty:  difficulty,
		GeneratedAt: time.Now().Unix(),
	}
}

// GenerateBatch produces count CAPTCHAs at the given difficulty.
func GenerateBatch(count int, difficulty threat.Difficulty) []Pregen {
	now := time.Now().Unix()
	batch := make([]Pregen, 0, count)
	for i := 0; i < count; i++ {
		answer := randomAnswer(difficulty)
		batch = append(batch, Pregen{
			Answer:      answer,
			ImageData:   renderSVG(answer, difficulty),
			Difficulty:  difficulty,
			GeneratedAt: now,
		})
	}
	return batch
}

// randomAnswer returns a random base-36 string sized for the difficulty.
func randomAnswer(difficulty threat.Difficulty) string {
	n := difficulty.AnswerLength()
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(answerAlphabet[mrand.Intn(len(answerAlphabet))])
	}
	return b.String()
}

// noiseLines returns the number of distractor lines drawn at a difficulty.
func noiseLines(difficulty threat.Difficulty) int {
	switch difficulty {
	case threat.Easy:
		return 5
	case threat.Medium:
		return 15
	case threat.Hard:
		return 30
	default:
		return 50
	}
}

// renderSVG draws the answer text with per-character colour jitter and
// rotation plus difficulty-scaled noise lines, and returns it as a
// base64 data URL.
func renderSVG(text string, difficulty threat.Difficulty) string {
	var svg strings.Builder
	fmt.Fprintf(&svg, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d">`, imageWidth, imageHeight)
	svg.WriteString(`<rect width="100%" height="100%" fill="#1a1a2e"/>`)

	for i := 0; i < noiseLines(difficulty); i++ {
		fmt.Fprintf(&svg,
			`<line x1="%d" y1="%d" x2="%d" y2="%d" stroke="rgba(255,255,255,0.%d)" stroke-width="1"/>`,
			mrand.Intn(imageWidth), mrand.Intn(imageHeight),
			mrand.Intn(imageWidth), mrand.Intn(imageHeight),
			20+mrand.Intn(30))
	}

	charWidth := float64(imageWidth) / (float64(len(text)) + 1.0)
	for i, c := range text {
		x := charWidth * (float64(i) + 0.8)
		y := 50 + mrand.Intn(20) - 10
		rotation := mrand.Intn(30) - 15
		fmt.Fprintf(&svg,
			`<text x="%.1f" y="%d" font-family="monospace" font-size="32" font-weight="bold" fill="rgb(%d,%d,%d)" transform="rotate(%d %.1f %d)">%c</text>`,
			x, y,
			150+mrand.Intn(105), 150+mrand.Intn(105), 150+mrand.Intn(105),
			rotation, x, y, c)
	}
	svg.WriteString(`</svg>`)

	return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(svg.String()))
}

// newChallengeID returns 128 random bits, URL-safe encoded.
func newChallengeID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf[:]), nil
}

// instructions returns the user-facing prompt for a difficulty.
func instructions(difficulty threat.Difficulty) string {
	switch difficulty {
	case threat.Easy:
		return "Type the characters shown above"
	case threat.Medium:
		return "Type the characters shown above (case insensitive)"
	case threat.Hard:
		return "Type the characters exactly as shown"
	default:
		return "Type the characters within 20 seconds"
	}
}
