package voice

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWakeDetectorMatch(t *testing.T) {
	d := NewWakeDetector([]string{"helix"}, 0.5)

	tests := []struct {
		transcript string
		matched    bool
		rest       string
	}{
		{"helix", true, ""},
		{"Helix, what is the time?", true, "what is the time"},
		{"hey helix turn on the lights", true, "turn on the lights"},
		{"what is the time", false, ""},
		{"", false, ""},
		{"I said the word helix twice today", false, ""},
	}
	for _, tt := range tests {
		matched, rest := d.Match(tt.transcript)
		assert.Equal(t, tt.matched, matched, "transcript %q", tt.transcript)
		assert.Equal(t, tt.rest, rest, "transcript %q", tt.transcript)
	}
}

func TestWakeDetectorFuzzyMatch(t *testing.T) {
	// Low sensitivity absorbs one-character ASR slips.
	d := NewWakeDetector([]string{"helix"}, 0.5)
	matched, rest := d.Match("helic what time is it")
	assert.True(t, matched)
	assert.Equal(t, "what time is it", rest)

	// Two edits away never matches.
	matched, _ = d.Match("helios what time is it")
	assert.False(t, matched)

	// High sensitivity requires an exact token.
	strict := NewWakeDetector([]string{"helix"}, 0.9)
	matched, _ = strict.Match("helic what time is it")
	assert.False(t, matched)
	matched, _ = strict.Match("helix what time is it")
	assert.True(t, matched)
}

func TestWakeDetectorMultipleWords(t *testing.T) {
	d := NewWakeDetector([]string{"helix", "computer"}, 0.9)
	matched, rest := d.Match("computer open the door")
	assert.True(t, matched)
	assert.Equal(t, "open the door", rest)
}

func TestWakeDetectorNormalizesConfiguredWords(t *testing.T) {
	d := NewWakeDetector([]string{"  HeLiX! "}, 0.9)
	matched, _ := d.Match("helix hello")
	assert.True(t, matched)
}
