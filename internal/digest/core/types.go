package core

import (
	"time"
)

// Message is a single raw group message handed to the pipeline. Index is
// assigned by the orchestrator after chronological normalization; Timestamp
// is zero when the source did not carry one.
type Message struct {
	Index     int       `json:"index"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Text      string    `json:"text"`
}

// Detail levels, ordered micro < brief < standard < detailed < comprehensive.
const (
	DetailMicro         = "micro"
	DetailBrief         = "brief"
	DetailStandard      = "standard"
	DetailDetailed      = "detailed"
	DetailComprehensive = "comprehensive"
)

// Dialogue types.
const (
	DialogueDiscussion     = "discussion"
	DialogueQuestionAnswer = "question_answer"
	DialogueAnnouncement   = "announcement"
	DialogueBrainstorming  = "brainstorming"
	DialoguePlanning       = "planning"
	DialogueSupport        = "support"
	DialogueMixed          = "mixed"
)

// Priority / intensity / activity levels share the low-medium-high ladder.
const (
	LevelLow    = "low"
	LevelMedium = "medium"
	LevelHigh   = "high"
)

// Urgency levels extend the ladder with critical.
const (
	UrgencyCritical = "critical"
)

// Speaker roles.
const (
	RoleLeader      = "leader"
	RoleSupporter   = "supporter"
	RoleQuestioner  = "questioner"
	RoleContributor = "contributor"
	RoleObserver    = "observer"
)

// Agent status labels.
const (
	StatusSuccess  = "success"
	StatusFallback = "fallback"
	StatusError    = "error"
)

// Agent names in execution order.
const (
	AgentDialogueAssessor      = "dialogue_assessor"
	AgentTopicExtractor        = "topic_extractor"
	AgentEmotionAnalyzer       = "emotion_analyzer"
	AgentSpeakerAnalyzer       = "speaker_analyzer"
	AgentContextSummarizer     = "context_summarizer"
	AgentKeyMoments            = "key_moments"
	AgentTimeline              = "timeline"
	AgentContextLinks          = "context_links"
	AgentSupervisorSynthesizer = "supervisor_synthesizer"
)

// Assessment classifies the dialogue window and drives conditional stages.
type Assessment struct {
	DetailLevel       string   `json:"detail_level"`
	DialogueType      string   `json:"dialogue_type"`
	HasLinks          bool     `json:"has_links"`
	HasDecisions      bool     `json:"has_decisions"`
	HasQuestions      bool     `json:"has_questions"`
	HasConflicts      bool     `json:"has_conflicts"`
	ComplexityScore   float64  `json:"complexity_score"`
	UrgencyLevel      string   `json:"urgency_level"`
	MessageCount      int      `json:"message_count"`
	ParticipantsCount int      `json:"participants_count"`
	DominantTopics    []string `json:"dominant_topics"`
	ContextNotes      string   `json:"context_notes"`
}

// Topic is one extracted discussion topic.
type Topic struct {
	Name         string `json:"name"`
	Priority     string `json:"priority"`
	MessageCount int    `json:"message_count,omitempty"`
}

// Topics is the topic extractor output, ordered high → medium → low with
// ties broken by first mention.
type Topics struct {
	Topics []Topic `json:"topics"`
}

// Emotions aggregates the emotional signal over the window.
type Emotions struct {
	OverallTone         string   `json:"overall_tone"`
	Atmosphere          string   `json:"atmosphere"`
	EmotionalIndicators []string `json:"emotional_indicators"`
	IntensityLevel      string   `json:"intensity_level"`
	KeyEmotions         []string `json:"key_emotions"`
	ConflictIndicators  bool     `json:"conflict_indicators"`
	SupportIndicators   bool     `json:"support_indicators"`
}

// Speaker classifies one participant. Username is always a verbatim handle
// from the input messages; hallucinated names are dropped in postprocess.
type Speaker struct {
	Username          string   `json:"username"`
	Role              string   `json:"role"`
	ActivityLevel     string   `json:"activity_level"`
	MessageCount      int      `json:"message_count"`
	ContributionTypes []string `json:"contribution_types"`
	KeyContributions  []string `json:"key_contributions"`
}

// GroupDynamics summarizes how the group interacted.
type GroupDynamics struct {
	DominantSpeaker    string `json:"dominant_speaker"`
	MostHelpful        string `json:"most_helpful"`
	MostQuestions      string `json:"most_questions"`
	CollaborationLevel string `json:"collaboration_level"`
}

// Speakers is the speaker analyzer output.
type Speakers struct {
	Speakers      []Speaker     `json:"speakers"`
	GroupDynamics GroupDynamics `json:"group_dynamics"`
}

// ContextAdaptation records how the summary was shaped for the assessment.
type ContextAdaptation struct {
	DetailLevel  string   `json:"detail_level"`
	DialogueType string   `json:"dialogue_type"`
	FocusAreas   []string `json:"focus_areas"`
	SummaryStyle string   `json:"summary_style"`
}

// Summary is the context summarizer output.
type Summary struct {
	MainPoints        []string          `json:"main_points"`
	KeyDecisions      []string          `json:"key_decisions"`
	OutstandingIssues []string          `json:"outstanding_issues"`
	NextSteps         []string          `json:"next_steps"`
	SummaryText       string            `json:"summary_text"`
	ContextAdaptation ContextAdaptation `json:"context_adaptation"`
}

// KeyMoments captures decisions, questions, action items, turning points and
// insights for standard+ detail levels.
type KeyMoments struct {
	KeyDecisions      []string `json:"key_decisions"`
	CriticalQuestions []string `json:"critical_questions"`
	ActionItems       []string `json:"action_items"`
	TurningPoints     []string `json:"turning_points"`
	Insights          []string `json:"insights"`
}

// TimelineEvent is one chronological event. Timestamp is a relative label
// ("HH:MM" or a phase name); the pipeline never fabricates absolute instants
// the input lacks.
type TimelineEvent struct {
	Timestamp    string   `json:"timestamp"`
	Event        string   `json:"event"`
	Participants []string `json:"participants"`
	Significance string   `json:"significance"`
}

// Timeline is the timeline agent output for detailed+ levels.
type Timeline struct {
	TimelineEvents   []TimelineEvent `json:"timeline_events"`
	DiscussionPhases []string        `json:"discussion_phases"`
	TopicEvolution   []string        `json:"topic_evolution"`
}

// Link is one classified resource reference.
type Link struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	LinkType  string `json:"link_type"`
	Relevance string `json:"relevance"`
}

// ContextLinks is the link classifier output.
type ContextLinks struct {
	ExternalLinks []Link   `json:"external_links"`
	TelegramLinks []Link   `json:"telegram_links"`
	Mentions      []string `json:"mentions"`
}

// DigestSections holds the per-section text of the final digest.
type DigestSections struct {
	Summary      string `json:"summary"`
	Topics       string `json:"topics"`
	Decisions    string `json:"decisions"`
	Participants string `json:"participants"`
	Resources    string `json:"resources"`
}

// DigestMetadata accompanies the rendered digest.
type DigestMetadata struct {
	DetailLevel         string        `json:"detail_level"`
	DialogueType        string        `json:"dialogue_type"`
	ParticipantsCount   int           `json:"participants_count"`
	MessageCount        int           `json:"message_count"`
	GenerationTimestamp time.Time     `json:"generation_timestamp"`
	AgentsStatus        []AgentStatus `json:"agents_status"`
}

// FinalDigest is the pipeline's end product. HTMLDigest uses only the
// Telegram Bot HTML subset: <b>, <i>, <code>, <pre>, <a href>.
type FinalDigest struct {
	HTMLDigest string         `json:"html_digest"`
	Metadata   DigestMetadata `json:"metadata"`
	Sections   DigestSections `json:"sections"`
}

// AgentStatus records the outcome of one attempted agent.
type AgentStatus struct {
	AgentName     string  `json:"agent_name"`
	Status        string  `json:"status"`
	ExecutionTime float64 `json:"execution_time"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	OutputSummary string  `json:"output_summary,omitempty"`
}

// RunResult is returned by GenerateDigest. It is always well-formed; the
// only failure signal to callers is Success == false.
type RunResult struct {
	Success       bool          `json:"success"`
	Digest        *FinalDigest  `json:"digest"`
	Error         string        `json:"error,omitempty"`
	AgentsStatus  []AgentStatus `json:"agents_status"`
	ExecutionTime float64       `json:"execution_time"`
}

// DialogueContext is the per-run shared context. The orchestrator is the
// single writer; agents only read prior slots. A nil slot means the agent
// was skipped or failed, never an empty result.
type DialogueContext struct {
	Messages string
	Hours    int
	UserID   string
	GroupID  string

	Assessment   *Assessment
	Topics       *Topics
	Emotions     *Emotions
	Speakers     *Speakers
	Summary      *Summary
	KeyMoments   *KeyMoments
	Timeline     *Timeline
	ContextLinks *ContextLinks

	AgentsStatus []AgentStatus

	// usernames is the set of author handles extracted from the raw
	// messages, used to enforce username provenance downstream.
	usernames []string
	rawCount  int
}

// Usernames returns the extracted author handles in first-seen order.
func (dc *DialogueContext) Usernames() []string { return dc.usernames }

// MessageCount returns the number of messages after truncation.
func (dc *DialogueContext) MessageCount() int { return dc.rawCount }
