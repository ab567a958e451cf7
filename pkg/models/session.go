package models

// Level enums for the directive-backed session knobs. Empty string means
// "not set"; a patch may clear a field explicitly.

type ThinkingLevel string

const (
	ThinkingOff     ThinkingLevel = "off"
	ThinkingMinimal ThinkingLevel = "minimal"
	ThinkingLow     ThinkingLevel = "low"
	ThinkingMedium  ThinkingLevel = "medium"
	ThinkingHigh    ThinkingLevel = "high"
)

type ToggleLevel string

const (
	ToggleOn  ToggleLevel = "on"
	ToggleOff ToggleLevel = "off"
)

type ReasoningLevel string

const (
	ReasoningOn     ReasoningLevel = "on"
	ReasoningOff    ReasoningLevel = "off"
	ReasoningStream ReasoningLevel = "stream"
)

type SendPolicy string

const (
	SendAllow SendPolicy = "allow"
	SendDeny  SendPolicy = "deny"
)

type GroupActivation string

const (
	ActivationMention GroupActivation = "mention"
	ActivationAlways  GroupActivation = "always"
)

// QueueDropPolicy selects what happens when a per-session queue overflows.
type QueueDropPolicy string

const (
	DropSummarize QueueDropPolicy = "summarize"
	DropOld       QueueDropPolicy = "old"
	DropNew       QueueDropPolicy = "new"
)

// SessionEntry is the persisted per-session record. Zero values mean unset.
type SessionEntry struct {
	SessionID string `json:"sessionId"`
	UpdatedAt int64  `json:"updatedAt"` // ms since epoch
	Label     string `json:"label,omitempty"`

	ThinkingLevel   ThinkingLevel   `json:"thinkingLevel,omitempty"`
	VerboseLevel    ToggleLevel     `json:"verboseLevel,omitempty"`
	ReasoningLevel  ReasoningLevel  `json:"reasoningLevel,omitempty"`
	ElevatedLevel   ToggleLevel     `json:"elevatedLevel,omitempty"`
	ResponseUsage   ToggleLevel     `json:"responseUsage,omitempty"`
	SendPolicy      SendPolicy      `json:"sendPolicy,omitempty"`
	GroupActivation GroupActivation `json:"groupActivation,omitempty"`

	ProviderOverride string `json:"providerOverride,omitempty"`
	ModelOverride    string `json:"modelOverride,omitempty"`

	QueueLimit      int             `json:"queueLimit,omitempty"`
	QueueDropPolicy QueueDropPolicy `json:"queueDropPolicy,omitempty"`

	LastProvider  string `json:"lastProvider,omitempty"`
	LastTo        string `json:"lastTo,omitempty"`
	LastAccountID string `json:"lastAccountId,omitempty"`
	LastChannel   string `json:"lastChannel,omitempty"`

	// SpawnedBy is the parent session key. Set exactly once, only for
	// subagent keys.
	SpawnedBy string `json:"spawnedBy,omitempty"`

	SystemSent            bool   `json:"systemSent,omitempty"`
	AbortedLastRun        bool   `json:"abortedLastRun,omitempty"`
	SkillsSnapshotVersion int    `json:"skillsSnapshotVersion,omitempty"`
	ContextTokens         int    `json:"contextTokens,omitempty"`
	Model                 string `json:"model,omitempty"`
}

// SessionPatch describes a partial update to a SessionEntry. Nil pointer
// fields are left alone; pointers to the zero value clear the field.
type SessionPatch struct {
	Label *string `json:"label,omitempty"`

	ThinkingLevel   *ThinkingLevel   `json:"thinkingLevel,omitempty"`
	VerboseLevel    *ToggleLevel     `json:"verboseLevel,omitempty"`
	ReasoningLevel  *ReasoningLevel  `json:"reasoningLevel,omitempty"`
	ElevatedLevel   *ToggleLevel     `json:"elevatedLevel,omitempty"`
	ResponseUsage   *ToggleLevel     `json:"responseUsage,omitempty"`
	SendPolicy      *SendPolicy      `json:"sendPolicy,omitempty"`
	GroupActivation *GroupActivation `json:"groupActivation,omitempty"`

	ProviderOverride *string `json:"providerOverride,omitempty"`
	ModelOverride    *string `json:"modelOverride,omitempty"`

	QueueLimit      *int             `json:"queueLimit,omitempty"`
	QueueDropPolicy *QueueDropPolicy `json:"queueDropPolicy,omitempty"`

	LastProvider  *string `json:"lastProvider,omitempty"`
	LastTo        *string `json:"lastTo,omitempty"`
	LastAccountID *string `json:"lastAccountId,omitempty"`
	LastChannel   *string `json:"lastChannel,omitempty"`

	SpawnedBy *string `json:"spawnedBy,omitempty"`

	SystemSent            *bool   `json:"systemSent,omitempty"`
	AbortedLastRun        *bool   `json:"abortedLastRun,omitempty"`
	SkillsSnapshotVersion *int    `json:"skillsSnapshotVersion,omitempty"`
	ContextTokens         *int    `json:"contextTokens,omitempty"`
	Model                 *string `json:"model,omitempty"`
}

// ValidThinkingLevel reports whether s is a recognized thinking level.
func ValidThinkingLevel(s ThinkingLevel) bool {
	switch s {
	case ThinkingOff, ThinkingMinimal, ThinkingLow, ThinkingMedium, ThinkingHigh:
		return true
	}
	return false
}

// ValidToggleLevel reports whether s is "on" or "off".
func ValidToggleLevel(s ToggleLevel) bool {
	return s == ToggleOn || s == ToggleOff
}

// ValidReasoningLevel reports whether s is a recognized reasoning level.
func ValidReasoningLevel(s ReasoningLevel) bool {
	switch s {
	case ReasoningOn, ReasoningOff, ReasoningStream:
		return true
	}
	return false
}

// ValidSendPolicy reports whether s is "allow" or "deny".
func ValidSendPolicy(s SendPolicy) bool {
	return s == SendAllow || s == SendDeny
}

// ValidGroupActivation reports whether s is "mention" or "always".
func ValidGroupActivation(s GroupActivation) bool {
	return s == ActivationMention || s == ActivationAlways
}

// ValidQueueDropPolicy reports whether s is a recognized drop policy.
func ValidQueueDropPolicy(s QueueDropPolicy) bool {
	switch s {
	case DropSummarize, DropOld, DropNew:
		return true
	}
	return false
}
