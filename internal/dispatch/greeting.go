package dispatch

import (
	"regexp"
	"strings"
)

// greetingPattern matches messages that are nothing but a greeting or a
// question about the assistant itself. It is anchored on both ends so
// "help me integrate x^2" is still dispatched.
var greetingPattern = regexp.MustCompile(`(?i)^(?:hi|hii+|hello|hey|hey there|hi there|hello there|good (?:morning|afternoon|evening)|how are you|what can you do|help|who are you)(?:\s+(?:buddy|jee\s*buddy|there))?[\s!.?,]*$`)

var greetingReplies = map[string]string{
	"hi":    "Hi! 👋 I'm your JEE study assistant. I can help you with Physics, Chemistry, and Mathematics problems. Would you like to:\n\n• Solve a specific JEE problem?\n• Understand a concept?\n• Practice with example questions?\n\nJust ask me anything related to JEE preparation!",
	"hello": "Hello! 👋 I'm here to help with your JEE preparation. What subject would you like to focus on - Physics, Chemistry, or Mathematics?",
	"help":  "I'm your JEE study assistant! I can help you:\n\n• Solve JEE problems step by step\n• Explain complex concepts\n• Provide practice questions\n• Share exam tips and strategies\n\nWhat would you like help with?",
}

const defaultGreetingReply = "Hello! 👋 I'm your JEE study assistant. I specialize in Physics, Chemistry, and Mathematics. How can I help you with your JEE preparation today?"

// IsGreeting reports whether question should get a canned reply instead of a
// provider call.
func IsGreeting(question string) bool {
	return greetingPattern.MatchString(strings.TrimSpace(question))
}

func greetingReply(question string) string {
	q := strings.ToLower(strings.TrimSpace(question))
	for _, key := range []string{"help", "hello", "hi"} {
		if strings.HasPrefix(q, key) {
			return greetingReplies[key]
		}
	}
	return defaultGreetingReply
}
