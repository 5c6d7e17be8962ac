package conversation

import (
	"regexp"
	"strings"
)

// ReplyGuardResult contains the result of scanning an outbound generated reply.
type ReplyGuardResult struct {
	// Blocked is true if the reply must not be sent in any form.
	Blocked bool
	// Modified is true if the reply was altered before sending.
	Modified bool
	// Reasons lists the detection signals that fired.
	Reasons []string
	// Sanitized is the cleaned reply (if fixable) or empty string (if blocked).
	Sanitized string
}

// replyGuardPattern is a compiled regex for catching unsafe generated output.
type replyGuardPattern struct {
	re     *regexp.Regexp
	reason string
	block  bool // if true, block entirely; if false, sanitize in place
}

var replyGuardPatterns = []replyGuardPattern{
	// Method or means detail. A support reply never describes how to
	// self-harm, whatever the framing of the question was.
	{regexp.MustCompile(`(?i)\b(you could|one way to|methods? (of|for)|how to)\b.{0,40}\b(hurt|harm|kill|cut|overdose|od)\b`), "guard:method_detail", true},
	{regexp.MustCompile(`(?i)\b(lethal|fatal)\s+(dose|amount|quantity)`), "guard:lethal_dose", true},
	{regexp.MustCompile(`(?i)\btake\s+\d+\s*(pills?|tablets?|mg|milligrams?)`), "guard:dosing_instruction", true},

	// Clinical overreach. The companion supports, it does not diagnose,
	// prescribe, or tell a teen to change medication.
	{regexp.MustCompile(`(?i)\byou (have|are suffering from|clearly have)\s+(clinical\s+)?(depression|anxiety disorder|bipolar|ptsd|adhd|an eating disorder)`), "guard:diagnosis", true},
	{regexp.MustCompile(`(?i)\byou (should|need to|must)\s+(stop|start|increase|decrease|double)\s+(taking\s+)?(your\s+)?(meds|medication|antidepressants|dosage)`), "guard:medication_advice", true},

	// Minimizing or dismissive language toward someone struggling.
	{regexp.MustCompile(`(?i)\b(just )?(cheer up|snap out of it|get over it|toughen up)\b`), "guard:dismissive", true},
	{regexp.MustCompile(`(?i)\b(you're|you are|stop)\s+(overreacting|being dramatic|being so sensitive)\b`), "guard:dismissive", true},
	{regexp.MustCompile(`(?i)\bit('s| is) not (that )?(a big deal|serious)\b`), "guard:minimizing", true},
	{regexp.MustCompile(`(?i)\byou don't need (professional )?(help|a counselou?r|a therapist)\b`), "guard:discourages_help", true},

	// Secrecy promises. Escalation means a counselor may see the transcript;
	// the reply cannot promise otherwise.
	{regexp.MustCompile(`(?i)\b(i won't tell anyone|this (stays|will stay) between us|your secret is safe)\b`), "guard:secrecy_promise", true},

	// Prompt and infrastructure leaks, same class of failure as any
	// generative product.
	{regexp.MustCompile(`(?i)my (system\s+)?prompt\s+(is|says|tells|instructs)`), "guard:system_prompt_disclosure", true},
	{regexp.MustCompile(`(?i)(here are|these are|the following are)\s+(my )?(system )?(instructions|rules|guidelines|prompts)`), "guard:rules_listing", true},
	{regexp.MustCompile(`(?i)(powered by|built on|running on)\s+(Gemini|Bedrock|AWS|Google)`), "guard:tech_stack", true},
	{regexp.MustCompile(`(?i)(api[_\s]?key|secret[_\s]?key|access[_\s]?token|bearer\s+token)\s*[:=]\s*\S+`), "guard:credential", true},

	// Model boilerplate. The disclaimer layer already states the companion is
	// automated; "as an AI language model" padding is stripped, not blocked.
	{regexp.MustCompile(`(?i)\bas an AI( language model)?\b`), "guard:model_boilerplate", false},
	{regexp.MustCompile(`(?i)\bi('m| am) (just |only )?(a|an) (AI|language model|LLM|chatbot|chat bot)\b`), "guard:model_boilerplate", false},
}

// GuardReply checks a generated reply before it is sent. Fixed safety
// payloads never pass through here; they are served verbatim.
func GuardReply(reply string) ReplyGuardResult {
	if strings.TrimSpace(reply) == "" {
		return ReplyGuardResult{Sanitized: reply}
	}

	var reasons []string
	shouldBlock := false

	for _, p := range replyGuardPatterns {
		if p.re.MatchString(reply) {
			reasons = append(reasons, p.reason)
			if p.block {
				shouldBlock = true
			}
		}
	}

	if len(reasons) == 0 {
		return ReplyGuardResult{Sanitized: reply}
	}

	if shouldBlock {
		return ReplyGuardResult{
			Blocked: true,
			Reasons: reasons,
		}
	}

	return ReplyGuardResult{
		Modified:  true,
		Reasons:   reasons,
		Sanitized: sanitizeReply(reply),
	}
}

// sanitizeReply removes model boilerplate sentences while keeping the rest
// of the reply intact.
func sanitizeReply(reply string) string {
	cleaned := regexp.MustCompile(`(?i)[^.!?]*\b(as an AI( language model)?|i('m| am) (just |only )?(a|an) (AI|language model|LLM|chatbot|chat bot))\b[^.!?]*[.!?]?\s*`).ReplaceAllString(reply, "")
	return strings.TrimSpace(cleaned)
}
