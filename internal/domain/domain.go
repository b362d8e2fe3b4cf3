package domain

type User struct {
	ID        string  `json:"id"`
	Email     string  `json:"email,omitempty"`
	Credits   float64 `json:"credits"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Project struct {
	ID          string   `json:"id"`
	UserID      string   `json:"user_id"`
	Title       string   `json:"title"`
	ProjectType string   `json:"project_type"`
	Features    []string `json:"features"`
	TechStack   string   `json:"tech_stack,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	CategoryUsers     = "users"
	CategoryProblem   = "problem"
	CategoryTechnical = "technical"
	CategoryScope     = "scope"

	ConversationActive   = "active"
	ConversationComplete = "complete"
)

// QuestionCategories lists the accepted interrogation categories.
var QuestionCategories = []string{CategoryUsers, CategoryProblem, CategoryTechnical, CategoryScope}

type Message struct {
	Seq       int    `json:"seq"`
	Role      string `json:"role" enum:"user,assistant"`
	Content   string `json:"content"`
	Category  string `json:"category,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Conversation struct {
	ID                   string    `json:"id"`
	ProjectID            string    `json:"project_id"`
	UserID               string    `json:"user_id"`
	InitialDescription   string    `json:"initial_description"`
	Messages             []Message `json:"messages"`
	QuestionsAsked       int       `json:"questions_asked"`
	Status               string    `json:"status" enum:"active,complete"`
	IsReadyForBlueprints bool      `json:"is_ready_for_blueprints"`
	CompletionReason     string    `json:"completion_reason,omitempty"`
	CreatedAt            string    `json:"created_at" format:"date-time"`
	UpdatedAt            string    `json:"updated_at" format:"date-time"`
}

// Question is the outcome of one interrogation step.
type Question struct {
	Question   string `json:"question"`
	Category   string `json:"category" enum:"users,problem,technical,scope"`
	IsComplete bool   `json:"is_complete"`
	Reason     string `json:"reason,omitempty"`
}

const (
	SuiteGenerating = "generating"
	SuiteComplete   = "complete"
	SuitePartial    = "partial"

	BlueprintPending  = "pending"
	BlueprintComplete = "complete"
	BlueprintFailed   = "failed"
)

type BlueprintSuite struct {
	ID             string      `json:"id"`
	ProjectID      string      `json:"project_id"`
	UserID         string      `json:"user_id"`
	ConversationID string      `json:"conversation_id"`
	Status         string      `json:"status" enum:"generating,complete,partial"`
	TotalCount     int         `json:"total_count"`
	CompletedCount int         `json:"completed_count"`
	ProjectType    string      `json:"project_type"`
	Features       []string    `json:"features"`
	Blueprints     []Blueprint `json:"blueprints"`
	CreatedAt      string      `json:"created_at" format:"date-time"`
	UpdatedAt      string      `json:"updated_at" format:"date-time"`
}

type Blueprint struct {
	ID        string `json:"id"`
	SuiteID   string `json:"suite_id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Status    string `json:"status" enum:"pending,complete,failed"`
	Error     string `json:"error,omitempty"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

const (
	SequenceActive   = "active"
	SequenceComplete = "complete"

	PromptPending    = "pending"
	PromptUnlocked   = "unlocked"
	PromptInProgress = "in_progress"
	PromptCompleted  = "completed"
	PromptSkipped    = "skipped"
)

type PromptSequence struct {
	ID                 string                 `json:"id"`
	ProjectID          string                 `json:"project_id"`
	UserID             string                 `json:"user_id"`
	Status             string                 `json:"status" enum:"active,complete"`
	TotalPrompts       int                    `json:"total_prompts"`
	CompletedPrompts   int                    `json:"completed_prompts"`
	CurrentPromptIndex int                    `json:"current_prompt_index"`
	Prompts            []ImplementationPrompt `json:"prompts"`
	CreatedAt          string                 `json:"created_at" format:"date-time"`
	UpdatedAt          string                 `json:"updated_at" format:"date-time"`
}

type ImplementationPrompt struct {
	ID                 string   `json:"id"`
	SequenceID         string   `json:"sequence_id"`
	ProjectID          string   `json:"project_id"`
	Sequence           int      `json:"sequence"`
	Category           string   `json:"category"`
	Title              string   `json:"title"`
	Content            string   `json:"content"`
	Prerequisites      []string `json:"prerequisites"`
	UserActions        []string `json:"user_actions"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Status             string   `json:"status" enum:"pending,unlocked,in_progress,completed,skipped"`
	RegeneratedCount   int      `json:"regenerated_count"`
	CompletedAt        *string  `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
}

// Finished reports whether the prompt satisfies prerequisites of others.
func (p ImplementationPrompt) Finished() bool {
	return p.Status == PromptCompleted || p.Status == PromptSkipped
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	ProjectID   string `json:"project_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	PayloadJSON string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
