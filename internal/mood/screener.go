// Package mood tracks self-reported mood and runs the structured screeners.
// Everything here is append-only history; nothing in this package decides
// escalation on its own.
package mood

import (
	"fmt"
	"strconv"
	"strings"
)

// Instrument identifies a screening questionnaire.
type Instrument string

const (
	InstrumentPHQ9 Instrument = "PHQ-9"
	InstrumentGAD7 Instrument = "GAD-7"
)

// phq9SelfHarmQuestion is the index of the self-harm ideation item.
const phq9SelfHarmQuestion = 8

// Screener is one questionnaire definition. Questions are asked one at a
// time; answers are 0-3 per the published scoring.
type Screener struct {
	Instrument Instrument
	Title      string
	Intro      string
	Questions  []string
	MaxScore   int
}

// Result is a completed screener outcome.
type Result struct {
	Instrument     Instrument
	Score          int
	MaxScore       int
	Severity       string
	Recommendation string
	// CrisisFollowUp marks totals high enough that the reply must point at
	// crisis resources in addition to the summary.
	CrisisFollowUp bool
	// SelfHarmFlag is set when the PHQ-9 self-harm item scored above zero,
	// regardless of the total.
	SelfHarmFlag bool
}

const answerScaleHint = "0 = Not at all\n1 = Several days\n2 = More than half the days\n3 = Nearly every day"

var phq9 = Screener{
	Instrument: InstrumentPHQ9,
	Title:      "Depression Screening (PHQ-9)",
	Intro: "Over the last 2 weeks, how often have you been bothered by the following problems?\n\n" +
		"Respond with:\n" + answerScaleHint,
	Questions: []string{
		"Little interest or pleasure in doing things",
		"Feeling down, depressed, or hopeless",
		"Trouble falling or staying asleep, or sleeping too much",
		"Feeling tired or having little energy",
		"Poor appetite or overeating",
		"Feeling bad about yourself, or that you are a failure or have let yourself or your family down",
		"Trouble concentrating on things",
		"Moving or speaking so slowly that other people could have noticed",
		"Thoughts that you would be better off dead, or of hurting yourself",
	},
	MaxScore: 27,
}

var gad7 = Screener{
	Instrument: InstrumentGAD7,
	Title:      "Anxiety Screening (GAD-7)",
	Intro: "Over the last 2 weeks, how often have you been bothered by the following problems?\n\n" +
		"Respond with:\n" + answerScaleHint,
	Questions: []string{
		"Feeling nervous, anxious, or on edge",
		"Not being able to stop or control worrying",
		"Worrying too much about different things",
		"Trouble relaxing",
		"Being so restless that it is hard to sit still",
		"Becoming easily annoyed or irritable",
		"Feeling afraid as if something awful might happen",
	},
	MaxScore: 21,
}

// ByInstrument returns the screener definition.
func ByInstrument(instrument Instrument) (Screener, error) {
	switch instrument {
	case InstrumentPHQ9:
		return phq9, nil
	case InstrumentGAD7:
		return gad7, nil
	default:
		return Screener{}, fmt.Errorf("mood: unknown instrument %q", instrument)
	}
}

// QuestionPrompt formats the prompt for one question, 1-based for display.
func (s Screener) QuestionPrompt(step int) string {
	return fmt.Sprintf("Question %d of %d:\n%q\n\n%s", step+1, len(s.Questions), s.Questions[step], answerScaleHint)
}

// ParseAnswer validates a free-text screener answer.
func ParseAnswer(text string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return 0, fmt.Errorf("mood: answer must be a number 0-3")
	}
	if n < 0 || n > 3 {
		return 0, fmt.Errorf("mood: answer must be 0, 1, 2 or 3")
	}
	return n, nil
}

// Score computes the result for a completed response set.
func Score(instrument Instrument, responses []int) (Result, error) {
	screener, err := ByInstrument(instrument)
	if err != nil {
		return Result{}, err
	}
	if len(responses) != len(screener.Questions) {
		return Result{}, fmt.Errorf("mood: %s needs %d answers, got %d", instrument, len(screener.Questions), len(responses))
	}
	total := 0
	for i, r := range responses {
		if r < 0 || r > 3 {
			return Result{}, fmt.Errorf("mood: answer %d out of range: %d", i+1, r)
		}
		total += r
	}

	result := Result{
		Instrument: instrument,
		Score:      total,
		MaxScore:   screener.MaxScore,
	}
	switch instrument {
	case InstrumentPHQ9:
		result.Severity, result.Recommendation = phq9Band(total)
		result.CrisisFollowUp = total >= 15
		result.SelfHarmFlag = responses[phq9SelfHarmQuestion] > 0
	case InstrumentGAD7:
		result.Severity, result.Recommendation = gad7Band(total)
	}
	return result, nil
}

func phq9Band(total int) (severity, recommendation string) {
	switch {
	case total <= 4:
		return "Minimal depression", "Your responses suggest minimal depression symptoms. Continue with healthy habits."
	case total <= 9:
		return "Mild depression", "Your responses suggest mild depression. Consider speaking with a counselor."
	case total <= 14:
		return "Moderate depression", "Your responses suggest moderate depression. I recommend professional support."
	case total <= 19:
		return "Moderately severe depression", "Your responses suggest moderately severe depression. Please see a mental health professional."
	default:
		return "Severe depression", "Your responses suggest severe depression. Please see a mental health professional soon."
	}
}

func gad7Band(total int) (severity, recommendation string) {
	switch {
	case total <= 4:
		return "Minimal anxiety", "Your responses suggest minimal anxiety symptoms."
	case total <= 9:
		return "Mild anxiety", "Your responses suggest mild anxiety. Consider anxiety management techniques."
	case total <= 14:
		return "Moderate anxiety", "Your responses suggest moderate anxiety. Consider professional support."
	default:
		return "Severe anxiety", "Your responses suggest severe anxiety. Please consider professional help."
	}
}
