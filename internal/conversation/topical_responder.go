package conversation

import (
	"context"
	"strings"
)

// TopicalResponder is the last resort in the LLM fallback chain. When both
// generative backends are down it answers from a small set of canned
// supportive responses keyed on topic, so the companion degrades to
// something helpful instead of an error string.
//
// It implements LLMClient and never returns an error.
type TopicalResponder struct{}

// NewTopicalResponder returns the canned responder.
func NewTopicalResponder() *TopicalResponder {
	return &TopicalResponder{}
}

type topicalResponse struct {
	keywords []string
	reply    string
}

var topicalResponses = []topicalResponse{
	{
		keywords: []string{"anxious", "anxiety", "worried", "worry", "panic", "nervous"},
		reply: "It sounds like anxiety is weighing on you right now, and that's a really hard feeling to sit with. " +
			"One thing that can help in the moment is slow breathing: in for 4 counts, hold for 4, out for 6. " +
			"Want to try that together, or tell me more about what's making you anxious?",
	},
	{
		keywords: []string{"sad", "depress", "down", "hopeless", "empty", "numb"},
		reply: "I'm sorry things feel so heavy right now. Feeling this way is exhausting, and it matters that you said it out loud. " +
			"You don't have to fix everything today. Is there one small thing that usually brings you even a little comfort?",
	},
	{
		keywords: []string{"stress", "overwhelm", "pressure", "too much", "exams", "school"},
		reply: "That sounds like a lot to carry at once. When everything piles up, it can help to pick just one small piece to deal with first. " +
			"What feels like the biggest source of pressure right now?",
	},
	{
		keywords: []string{"sleep", "insomnia", "tired", "can't sleep", "awake"},
		reply: "Rough nights make everything harder the next day. A wind-down routine can help: screens off a bit earlier, " +
			"dim lights, and maybe writing down what's on your mind so it's out of your head. What's been keeping you up?",
	},
	{
		keywords: []string{"lonely", "alone", "no friends", "nobody"},
		reply: "Feeling alone is one of the hardest feelings there is, and I'm glad you're talking to me about it. " +
			"You're not invisible here. Is there anyone, even one person, you've felt a little comfortable around lately?",
	},
}

// greetingReply is matched on the first word only; substring matching would
// misfire on words like "this" or "heyday".
var greetingWords = map[string]struct{}{
	"hi": {}, "hello": {}, "hey": {}, "yo": {}, "sup": {}, "heya": {},
}

const greetingReply = "Hey, it's good to hear from you. How are you feeling today?"

const topicalDefaultReply = "Thanks for sharing that with me. I'm having a little trouble with my full response right now, " +
	"but I'm still here and listening. Can you tell me a bit more about how you're feeling?"

// Complete picks a canned reply matching the last user message.
func (r *TopicalResponder) Complete(_ context.Context, req LLMRequest) (LLMResponse, error) {
	message := lastUserMessage(req.Messages)
	return LLMResponse{
		Text:       r.respond(message),
		StopReason: "canned",
	}, nil
}

func (r *TopicalResponder) respond(message string) string {
	message = strings.ToLower(strings.TrimSpace(message))
	if message == "" {
		return topicalDefaultReply
	}

	for _, tr := range topicalResponses {
		for _, kw := range tr.keywords {
			if strings.Contains(message, kw) {
				return tr.reply
			}
		}
	}

	if fields := strings.Fields(message); len(fields) > 0 {
		first := strings.Trim(fields[0], ".,!?")
		if _, ok := greetingWords[first]; ok {
			return greetingReply
		}
	}
	return topicalDefaultReply
}

func lastUserMessage(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == ChatRoleUser {
			return messages[i].Content
		}
	}
	return ""
}
