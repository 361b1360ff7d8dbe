// Package eventbus implements the Event Bus (spec §4.8, C8): a localhost
// WebSocket endpoint that fans out skill/step/heal/confirmation/memory
// events and serves synchronous confirmations back to the Skill Engine.
// Grounded on the teacher's internal/gateway/ws_control_plane.go frame
// protocol and read/write-pump idiom, generalized from a chat control
// plane to a one-way event feed plus a narrow confirmation RPC.
package eventbus

import "time"

// EventType names an outbound event family member (spec §4.8 table).
type EventType string

const (
	EventSkillStarted   EventType = "skill_started"
	EventSkillCompleted EventType = "skill_completed"
	EventSkillFailed    EventType = "skill_failed"

	EventStepStarted   EventType = "step_started"
	EventStepCompleted EventType = "step_completed"
	EventStepFailed    EventType = "step_failed"
	EventStepSkipped   EventType = "step_skipped"

	EventHealTriggered EventType = "heal_triggered"
	EventHealCompleted EventType = "heal_completed"

	EventConfirmationRequired EventType = "confirmation_required"
	EventConfirmationAnswered EventType = "confirmation_answered"
	EventConfirmationExpired  EventType = "confirmation_expired"

	EventMemoryQueryStarted          EventType = "memory_query_started"
	EventMemoryQueryCompleted        EventType = "memory_query_completed"
	EventMemoryQueryIntentClassified EventType = "memory_query_intent_classified"

	EventHello          EventType = "hello"
	EventHeartbeatAck    EventType = "heartbeat_ack"
	EventServerStopping  EventType = "server_stopping"
)

// Event is the outbound envelope (spec §6.2): {"type": ..., ...fields}.
// Timestamps are ISO-8601 UTC; durations are seconds, matching spec §6.2.
type Event struct {
	Type EventType `json:"type"`

	SkillID   string `json:"skill_id,omitempty"`
	SkillName string `json:"skill_name,omitempty"`
	StepCount int    `json:"step_count,omitempty"`
	StepIndex int    `json:"step_index,omitempty"`
	StepName  string `json:"step_name,omitempty"`

	Inputs     map[string]any `json:"inputs,omitempty"`
	DurationS  float64        `json:"duration_seconds,omitempty"`
	Error      string         `json:"error,omitempty"`

	Tool       string `json:"tool,omitempty"`
	Class      string `json:"class,omitempty"`
	FixAction  string `json:"fix_action,omitempty"`
	Success    bool   `json:"success,omitempty"`

	ConfirmationID string   `json:"confirmation_id,omitempty"`
	Prompt         string   `json:"prompt,omitempty"`
	Options        []string `json:"options,omitempty"`
	Default        string   `json:"default,omitempty"`
	Suggestion     string   `json:"claude_suggestion,omitempty"`
	TimeoutS       float64  `json:"timeout_seconds,omitempty"`
	Response       string   `json:"response,omitempty"`

	QueryID string   `json:"query_id,omitempty"`
	Query   string   `json:"query,omitempty"`
	Sources []string `json:"sources,omitempty"`
	LatencyS float64 `json:"latency_seconds,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// RunningSkill is the state-replay snapshot handed to a new connection
// (spec §4.8 "map of running skills ... for state replay").
type RunningSkill struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StepCount int       `json:"step_count"`
	StartedAt time.Time `json:"started_at"`
}

// PendingConfirmation is the state-replay snapshot for confirmations
// still awaiting a response.
type PendingConfirmation struct {
	ID       string    `json:"id"`
	SkillID  string    `json:"skill_id"`
	Prompt   string    `json:"prompt"`
	Options  []string  `json:"options"`
	Default  string    `json:"default"`
	Expires  time.Time `json:"expires"`
}

// HelloPayload is sent on accept (spec §4.8 "Connection protocol").
type HelloPayload struct {
	Type                 EventType              `json:"type"`
	RunningSkills         []RunningSkill         `json:"running_skills"`
	PendingConfirmations  []PendingConfirmation  `json:"pending_confirmations"`
}

// LetClaudeDefault is the sentinel default value meaning "proceed with
// the happy path" on confirmation timeout (spec §4.8 step 3).
const LetClaudeDefault = "let_claude"
