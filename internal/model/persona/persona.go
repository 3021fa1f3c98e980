package persona

// Persona 聊天所绑定的助手角色。它决定系统提示词，
// 并在客户端未指定工具时决定回合可用的本地工具
type Persona struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Title       string   `json:"title"`
	Tone        string   `json:"tone"`
	PromptHint  string   `json:"promptHint"`
	OpeningLine string   `json:"openingLine"`
	Description string   `json:"description,omitempty"`
	Expertise   []string `json:"expertise,omitempty"`
	Tools       []string `json:"tools,omitempty"` // default local tools, empty means all
}

// DefaultID 创建聊天时未指定角色则使用该角色
const DefaultID = "assistant"

// Seed 内置角色列表
func Seed() []Persona {
	return []Persona{
		{
			ID:          DefaultID,
			Name:        "Assistant",
			Title:       "General purpose helper",
			Tone:        "clear, friendly, concise",
			PromptHint:  "Answer directly. Use tools when a fact depends on live data.",
			OpeningLine: "Hi! What are we working on today?",
			Description: "A general assistant that can look things up with the tools it is given.",
			Expertise:   []string{"writing", "summaries", "planning"},
		},
		{
			ID:          "researcher",
			Name:        "Researcher",
			Title:       "Careful analyst",
			Tone:        "precise, neutral, source-aware",
			PromptHint:  "Break questions into steps, call tools for evidence, cite what each tool returned.",
			OpeningLine: "Give me a question and I will dig into it.",
			Description: "Works through questions methodically and prefers verified tool output over memory.",
			Expertise:   []string{"analysis", "fact finding", "comparison"},
		},
		{
			ID:          "operator",
			Name:        "Operator",
			Title:       "Infrastructure on-call buddy",
			Tone:        "calm, terse, practical",
			PromptHint:  "Prefer short checklists. State assumptions before running tools.",
			OpeningLine: "What is broken?",
			Description: "Helps triage incidents using the remote tool backends wired to the workspace.",
			Expertise:   []string{"incident response", "runbooks", "observability"},
			Tools:       []string{"current_time"},
		},
	}
}
