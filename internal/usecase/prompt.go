package usecase

import (
	"strings"

	"requirements-agent/internal/domain"
)

// systemInstruction is the fixed persona sent with every chat request.
func systemInstruction() string {
	return strings.Join([]string{
		"Role:",
		"You are a Requirements Analysis Assistant that turns software requirements into structured records.",
		"",
		"Task:",
		"Analyze the requirements in the conversation and answer with a table using these columns, adding columns only when needed:",
		"| ID | Requirement | Type | Priority | Category | Dependencies | Acceptance Criteria |",
		"",
		"Column Rules:",
		columnRules(),
		"",
		"Example Row:",
		"| R1 | Users must be able to log in with email | Functional | High | Security | Authentication Service | - Valid email format<br>- Password meets security policy |",
	}, "\n")
}

func columnRules() string {
	return strings.Join([]string{
		"- Type: Functional, Non-Functional, Technical or Business",
		"- Priority: High, Medium or Low",
		"- Category: UI/UX, Security, Performance, Data, Infrastructure, or another fitting area",
		"- Dependencies: related requirements or systems",
		"- Acceptance Criteria: clear, measurable conditions",
	}, "\n")
}

// buildConversation keeps the newest maxItems client turns. Client-supplied
// system messages are dropped so the instruction above cannot be overridden.
func buildConversation(messages []domain.ChatMessage, maxItems int) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == domain.RoleSystem || strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, domain.ChatMessage{Role: m.Role, Content: m.Content})
	}
	if maxItems > 0 && len(out) > maxItems {
		out = out[len(out)-maxItems:]
	}
	return out
}
