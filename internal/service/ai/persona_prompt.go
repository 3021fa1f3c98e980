package ai

import (
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
	"github.com/zhouzirui/z-relay/backend/internal/model/persona"
)

// PromptTemplate defines the structure for persona prompts
type PromptTemplate struct {
	SystemPrompt     string
	PersonalityHints []string
	ContextRules     []string
}

// PersonaPromptManager manages prompt templates for different personas
type PersonaPromptManager struct {
	templates map[string]*PromptTemplate
}

// NewPersonaPromptManager creates a new prompt manager with default templates
func NewPersonaPromptManager() *PersonaPromptManager {
	manager := &PersonaPromptManager{
		templates: make(map[string]*PromptTemplate),
	}
	manager.loadDefaultTemplates()
	return manager
}

// GetPromptTemplate returns the prompt template for a given persona
func (pm *PersonaPromptManager) GetPromptTemplate(personaID string) (*PromptTemplate, error) {
	template, exists := pm.templates[personaID]
	if !exists {
		return nil, fmt.Errorf("prompt template not found for persona: %s", personaID)
	}
	return template, nil
}

// BuildSystemPrompt 根据角色和回合可调用的工具生成系统提示词
func (pm *PersonaPromptManager) BuildSystemPrompt(p persona.Persona, toolNames []string, now time.Time) string {
	var b strings.Builder

	template, err := pm.GetPromptTemplate(p.ID)
	if err != nil {
		fmt.Fprintf(&b, "You are %s, %s.\n", p.Name, strings.ToLower(p.Title))
		if p.PromptHint != "" {
			b.WriteString(p.PromptHint)
			b.WriteString("\n")
		}
	} else {
		b.WriteString(template.SystemPrompt)
		b.WriteString("\n")
		if len(template.PersonalityHints) > 0 {
			b.WriteString("\nStyle:\n- ")
			b.WriteString(strings.Join(template.PersonalityHints, "\n- "))
			b.WriteString("\n")
		}
		if len(template.ContextRules) > 0 {
			b.WriteString("\nRules:\n- ")
			b.WriteString(strings.Join(template.ContextRules, "\n- "))
			b.WriteString("\n")
		}
	}

	if p.Tone != "" {
		fmt.Fprintf(&b, "\nTone: %s.\n", p.Tone)
	}
	if len(toolNames) > 0 {
		fmt.Fprintf(&b, "\nTools available this turn: %s. Call a tool when the answer depends on it, then use its result.\n", strings.Join(toolNames, ", "))
	}
	fmt.Fprintf(&b, "\nCurrent date: %s.", now.UTC().Format("2006-01-02"))
	return b.String()
}

func (pm *PersonaPromptManager) loadDefaultTemplates() {
	pm.templates[persona.DefaultID] = &PromptTemplate{
		SystemPrompt: "You are a helpful assistant in a chat application. Keep answers focused on what the user asked.",
		PersonalityHints: []string{
			"Lead with the answer, add detail after",
			"Use short paragraphs and lists when they help",
		},
		ContextRules: []string{
			"Say so plainly when you do not know something",
			"Never invent tool output",
		},
	}

	pm.templates["researcher"] = &PromptTemplate{
		SystemPrompt: "You are a careful research analyst. You split questions into steps and gather evidence before concluding.",
		PersonalityHints: []string{
			"Separate facts from inferences",
			"Summarize what each tool call returned before building on it",
		},
		ContextRules: []string{
			"Prefer several small tool calls over one vague one",
			"End with a short conclusion and any open uncertainty",
		},
	}

	pm.templates["operator"] = &PromptTemplate{
		SystemPrompt: "You are an on-call infrastructure engineer helping a teammate triage a production issue.",
		PersonalityHints: []string{
			"Be calm and terse",
			"Number the steps of any procedure",
		},
		ContextRules: []string{
			"State assumptions before running a tool",
			"Flag any action that could make the incident worse",
		},
	}
}

// BuildHistory 将存储的消息转换为模型输入。助手的工具调用记录
// 被展开为文本，避免记录不完整的回合产生悬空的工具调用
func BuildHistory(messages []chat.Message) []*schema.Message {
	history := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleUser:
			text := msg.Text()
			for _, att := range msg.Attachments {
				text += fmt.Sprintf("\n[attachment %s: %s]", att.Name, att.URL)
			}
			if text == "" {
				continue
			}
			history = append(history, schema.UserMessage(text))
		case chat.RoleAssistant:
			text := flattenAssistant(msg)
			if text == "" {
				continue
			}
			history = append(history, schema.AssistantMessage(text, nil))
		}
	}
	return history
}

func flattenAssistant(msg chat.Message) string {
	var b strings.Builder
	for _, part := range msg.Parts {
		switch part.Type {
		case chat.PartText:
			b.WriteString(part.Text)
		case chat.PartToolResult:
			status := "result"
			if part.IsError {
				status = "error"
			}
			fmt.Fprintf(&b, "\n[%s %s: %s]\n", part.ToolName, status, truncate(part.Result, 500))
		}
	}
	return strings.TrimSpace(b.String())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
