package mood

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByInstrument(t *testing.T) {
	phq, err := ByInstrument(InstrumentPHQ9)
	require.NoError(t, err)
	assert.Len(t, phq.Questions, 9)
	assert.Equal(t, 27, phq.MaxScore)

	gad, err := ByInstrument(InstrumentGAD7)
	require.NoError(t, err)
	assert.Len(t, gad.Questions, 7)
	assert.Equal(t, 21, gad.MaxScore)

	_, err = ByInstrument("PCL-5")
	assert.Error(t, err)
}

func TestParseAnswer(t *testing.T) {
	tests := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{"0", 0, false},
		{" 3 ", 3, false},
		{"2", 2, false},
		{"4", 0, true},
		{"-1", 0, true},
		{"two", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseAnswer(tt.input)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.input)
			continue
		}
		require.NoError(t, err, "input %q", tt.input)
		assert.Equal(t, tt.want, got, "input %q", tt.input)
	}
}

func TestScorePHQ9Bands(t *testing.T) {
	tests := []struct {
		name         string
		responses    []int
		wantScore    int
		wantSeverity string
		wantCrisis   bool
		wantSelfHarm bool
	}{
		{
			name:         "all zero is minimal",
			responses:    []int{0, 0, 0, 0, 0, 0, 0, 0, 0},
			wantScore:    0,
			wantSeverity: "Minimal depression",
		},
		{
			name:         "mild band",
			responses:    []int{1, 1, 1, 1, 1, 0, 0, 0, 0},
			wantScore:    5,
			wantSeverity: "Mild depression",
		},
		{
			name:         "moderate band",
			responses:    []int{2, 2, 2, 2, 2, 0, 0, 0, 0},
			wantScore:    10,
			wantSeverity: "Moderate depression",
		},
		{
			name:         "moderately severe flags crisis follow-up",
			responses:    []int{2, 2, 2, 2, 2, 2, 2, 1, 0},
			wantScore:    15,
			wantSeverity: "Moderately severe depression",
			wantCrisis:   true,
		},
		{
			name:         "severe band",
			responses:    []int{3, 3, 3, 3, 3, 3, 3, 3, 0},
			wantScore:    24,
			wantSeverity: "Severe depression",
			wantCrisis:   true,
		},
		{
			name:         "self-harm item flags regardless of total",
			responses:    []int{0, 0, 0, 0, 0, 0, 0, 0, 1},
			wantScore:    1,
			wantSeverity: "Minimal depression",
			wantSelfHarm: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Score(InstrumentPHQ9, tt.responses)
			require.NoError(t, err)

			assert.Equal(t, tt.wantScore, result.Score)
			assert.Equal(t, 27, result.MaxScore)
			assert.Equal(t, tt.wantSeverity, result.Severity)
			assert.Equal(t, tt.wantCrisis, result.CrisisFollowUp)
			assert.Equal(t, tt.wantSelfHarm, result.SelfHarmFlag)
			assert.NotEmpty(t, result.Recommendation)
		})
	}
}

func TestScoreGAD7Bands(t *testing.T) {
	tests := []struct {
		name         string
		responses    []int
		wantScore    int
		wantSeverity string
	}{
		{"minimal", []int{0, 0, 0, 1, 0, 0, 0}, 1, "Minimal anxiety"},
		{"mild", []int{1, 1, 1, 1, 1, 1, 1}, 7, "Mild anxiety"},
		{"moderate", []int{2, 2, 2, 2, 2, 0, 0}, 10, "Moderate anxiety"},
		{"severe", []int{3, 3, 3, 3, 3, 0, 0}, 15, "Severe anxiety"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Score(InstrumentGAD7, tt.responses)
			require.NoError(t, err)
			assert.Equal(t, tt.wantScore, result.Score)
			assert.Equal(t, 21, result.MaxScore)
			assert.Equal(t, tt.wantSeverity, result.Severity)
			assert.False(t, result.CrisisFollowUp)
			assert.False(t, result.SelfHarmFlag)
		})
	}
}

func TestScoreRejectsBadInput(t *testing.T) {
	if _, err := Score(InstrumentPHQ9, []int{1, 2}); err == nil {
		t.Fatal("expected error for short response set")
	}
	if _, err := Score(InstrumentGAD7, []int{0, 0, 0, 0, 0, 0, 4}); err == nil {
		t.Fatal("expected error for out-of-range answer")
	}
}

func TestQuestionPrompt(t *testing.T) {
	phq, err := ByInstrument(InstrumentPHQ9)
	require.NoError(t, err)

	prompt := phq.QuestionPrompt(0)
	assert.Contains(t, prompt, "Question 1 of 9")
	assert.Contains(t, prompt, "Little interest or pleasure in doing things")
	assert.Contains(t, prompt, "0 = Not at all")
}
