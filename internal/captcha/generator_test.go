package captcha

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cerberus-gate/fortify/internal/threat"
)

func TestRandomAnswer_LengthAndAlphabet(t *testing.T) {
	tests := []struct {
		difficulty threat.Difficulty
		length     int
	}{
		{threat.Easy, 4},
		{threat.Medium, 5},
		{threat.Hard, 6},
		{threat.Extreme, 8},
	}
	for _, tt := range tests {
		answer := randomAnswer(tt.difficulty)
		assert.Len(t, answer, tt.length, string(tt.difficulty))
		for _, c := range answer {
			assert.Contains(t, answerAlphabet, string(c))
		}
	}
}

func TestRenderSVG_EmbedsAnswerText(t *testing.T) {
	dataURL := renderSVG("AB12", threat.Easy)
	require.True(t, strings.HasPrefix(dataURL, "data:image/svg+xml;base64,"))

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(dataURL, "data:image/svg+xml;base64,"))
	require.NoError(t, err)
	svg := string(raw)

	assert.True(t, strings.HasPrefix(svg, "<svg"))
	assert.True(t, strings.HasSuffix(svg, "</svg>"))
	for _, c := range "AB12" {
		assert.Contains(t, svg, ">"+string(c)+"</text>")
	}
}

func TestRenderSVG_NoiseScalesWithDifficulty(t *testing.T) {
	decode := func(dataURL string) string {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(dataURL, "data:image/svg+xml;base64,"))
		require.NoError(t, err)
		return string(raw)
	}

	easy := decode(renderSVG("ABCD", threat.Easy))
	extreme := decode(renderSVG("ABCDEFGH", threat.Extreme))

	assert.Equal(t, 5, strings.Count(easy, "<line "))
	assert.Equal(t, 50, strings.Count(extreme, "<line "))
}

func TestNewChallengeID(t *testing.T) {
	id, err := newChallengeID()
	require.NoError(t, err)

	// 128 bits, URL-safe, no padding.
	raw, err := base64.RawURLEncoding.DecodeString(id)
	require.NoError(t, err)
	assert.Len(t, raw, 16)

	id2, err := newChallengeID()
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
}
