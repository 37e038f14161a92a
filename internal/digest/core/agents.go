package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tgram-labs/digestor/internal/digest/config"
)

// Agents bundles the nine pipeline stages. The set is fixed; the
// orchestrator calls each stage explicitly.
type Agents struct {
	Assessor    *DialogueAssessor
	Topics      *TopicExtractor
	Emotions    *EmotionAnalyzer
	Speakers    *SpeakerAnalyzer
	Summarizer  *ContextSummarizer
	KeyMoments  *KeyMomentsAgent
	Timeline    *TimelineAgent
	Links       *ContextLinksAgent
	Synthesizer *SupervisorSynthesizer
}

// NewAgents wires every stage agent to the shared LLM adapter with its
// configured timeout.
func NewAgents(cfg config.PipelineConfig, llm Provider) *Agents {
	mk := func(name, prompt string) baseAgent {
		return baseAgent{
			name:         name,
			systemPrompt: prompt,
			timeout:      cfg.AgentTimeout(name),
			llm:          llm,
		}
	}
	return &Agents{
		Assessor:    &DialogueAssessor{mk(AgentDialogueAssessor, assessorPrompt)},
		Topics:      &TopicExtractor{mk(AgentTopicExtractor, topicsPrompt)},
		Emotions:    &EmotionAnalyzer{mk(AgentEmotionAnalyzer, emotionsPrompt)},
		Speakers:    &SpeakerAnalyzer{mk(AgentSpeakerAnalyzer, speakersPrompt)},
		Summarizer:  &ContextSummarizer{mk(AgentContextSummarizer, summaryPrompt)},
		KeyMoments:  &KeyMomentsAgent{mk(AgentKeyMoments, keyMomentsPrompt)},
		Timeline:    &TimelineAgent{mk(AgentTimeline, timelinePrompt)},
		Links:       &ContextLinksAgent{mk(AgentContextLinks, linksPrompt)},
		Synthesizer: &SupervisorSynthesizer{mk(AgentSupervisorSynthesizer, synthesizerPrompt)},
	}
}

// Output schemas are reflected once; they are appended to every call's
// system prompt as JSON instructions.
var (
	assessmentSchema = GenerateSchema[Assessment]()
	topicsSchema     = GenerateSchema[Topics]()
	emotionsSchema   = GenerateSchema[Emotions]()
	speakersSchema   = GenerateSchema[Speakers]()
	summarySchema    = GenerateSchema[Summary]()
	keyMomentsSchema = GenerateSchema[KeyMoments]()
	timelineSchema   = GenerateSchema[Timeline]()
	linksSchema      = GenerateSchema[ContextLinks]()
	synthSchema      = GenerateSchema[synthOutput]()
)

const assessorPrompt = `Ты — аналитик групповых чатов. Оцени диалог и классифицируй его.
Определи: detail_level (micro|brief|standard|detailed|comprehensive) по объёму и насыщенности,
dialogue_type (discussion|question_answer|announcement|brainstorming|planning|support|mixed),
наличие ссылок, решений, вопросов и конфликтов, complexity_score от 0 до 1,
urgency_level (low|medium|high|critical), число сообщений и участников,
3-5 доминирующих тем и краткие заметки о контексте.`

// DialogueAssessor classifies the window; its output gates the three
// conditional stages.
type DialogueAssessor struct{ baseAgent }

func (a *DialogueAssessor) Run(ctx context.Context, dc *DialogueContext) (*Assessment, error) {
	user := fmt.Sprintf("Период: %d ч.\nДиалог:\n%s", dc.Hours, dc.Messages)
	out, err := invoke[Assessment](ctx, a.baseAgent, user, assessmentSchema)
	if err != nil {
		return nil, err
	}
	if out.MessageCount <= 0 {
		out.MessageCount = dc.MessageCount()
	}
	if out.ParticipantsCount <= 0 {
		out.ParticipantsCount = len(dc.Usernames())
	}
	return out, nil
}

// DefaultAssessment is installed when the assessor fails: standard level,
// discussion type, booleans false, counts inferred from the input. A window
// of at most one message degrades to micro.
func DefaultAssessment(dc *DialogueContext) *Assessment {
	level := DetailStandard
	if dc.MessageCount() <= 1 {
		level = DetailMicro
	}
	return &Assessment{
		DetailLevel:       level,
		DialogueType:      DialogueDiscussion,
		ComplexityScore:   0.5,
		UrgencyLevel:      LevelLow,
		MessageCount:      dc.MessageCount(),
		ParticipantsCount: len(dc.Usernames()),
		ContextNotes:      "оценка по умолчанию",
	}
}

const topicsPrompt = `Ты — аналитик тем группового чата. Выдели темы обсуждения.
Для каждой темы укажи name, priority (low|medium|high) и message_count —
сколько сообщений к ней относится. Пустой список допустим, если тем нет.`

// TopicExtractor extracts prioritized topics.
type TopicExtractor struct{ baseAgent }

func (a *TopicExtractor) Run(ctx context.Context, dc *DialogueContext) (*Topics, error) {
	user := "Диалог:\n" + dc.Messages
	if dc.Assessment != nil {
		user += "\nТип диалога: " + dc.Assessment.DialogueType
	}
	out, err := invoke[Topics](ctx, a.baseAgent, user, topicsSchema)
	if err != nil {
		return nil, err
	}
	sortTopics(out.Topics)
	return out, nil
}

var priorityRank = map[string]int{LevelHigh: 0, LevelMedium: 1, LevelLow: 2}

// sortTopics orders high → medium → low; the stable sort keeps first-mention
// order within a priority.
func sortTopics(topics []Topic) {
	for pass := 0; pass < len(topics); pass++ {
		moved := false
		for i := 0; i+1 < len(topics); i++ {
			if priorityRank[topics[i].Priority] > priorityRank[topics[i+1].Priority] {
				topics[i], topics[i+1] = topics[i+1], topics[i]
				moved = true
			}
		}
		if !moved {
			break
		}
	}
}

const emotionsPrompt = `Ты — аналитик эмоционального фона чата. Оцени общий тон,
атмосферу, эмоциональные индикаторы, intensity_level (low|medium|high),
ключевые эмоции и признаки конфликта или поддержки.`

// EmotionAnalyzer aggregates emotional signal; it runs concurrently with the
// topic extractor and reads only pre-assessment slots.
type EmotionAnalyzer struct{ baseAgent }

func (a *EmotionAnalyzer) Run(ctx context.Context, dc *DialogueContext) (*Emotions, error) {
	return invoke[Emotions](ctx, a.baseAgent, "Диалог:\n"+dc.Messages, emotionsSchema)
}

const speakersPrompt = `Ты — аналитик участников группового чата.
Классифицируй каждого участника: role (leader|supporter|questioner|contributor|observer),
activity_level (low|medium|high), message_count, типы вкладов и ключевые реплики.
Используй ТОЛЬКО имена, которые встречаются в диалоге, в точности как написаны.
Опиши также group_dynamics: dominant_speaker, most_helpful, most_questions, collaboration_level.`

// SpeakerAnalyzer classifies participants. Postprocess enforces username
// provenance: any name not matching a real handle is dropped.
type SpeakerAnalyzer struct{ baseAgent }

func (a *SpeakerAnalyzer) Run(ctx context.Context, dc *DialogueContext) (*Speakers, error) {
	var sb strings.Builder
	sb.WriteString("Диалог:\n")
	sb.WriteString(dc.Messages)
	if dc.Topics != nil && len(dc.Topics.Topics) > 0 {
		sb.WriteString("\nТемы: ")
		for i, t := range dc.Topics.Topics {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(t.Name)
		}
	}
	if dc.Emotions != nil {
		sb.WriteString("\nОбщий тон: " + dc.Emotions.OverallTone)
	}
	out, err := invoke[Speakers](ctx, a.baseAgent, sb.String(), speakersSchema)
	if err != nil {
		return nil, err
	}

	handles := dc.Usernames()
	kept := out.Speakers[:0]
	for _, sp := range out.Speakers {
		if KnownUsername(sp.Username, handles) {
			kept = append(kept, sp)
		}
	}
	if len(kept) > len(handles) {
		kept = kept[:len(handles)]
	}
	out.Speakers = kept

	gd := &out.GroupDynamics
	for _, field := range []*string{&gd.DominantSpeaker, &gd.MostHelpful, &gd.MostQuestions} {
		if *field != "" && !KnownUsername(*field, handles) {
			*field = ""
		}
	}
	return out, nil
}

const summaryPrompt = `Ты — составитель резюме группового обсуждения.
Сформируй main_points, key_decisions, outstanding_issues, next_steps и
связный summary_text. Длину и стиль адаптируй под уровень детализации из
контекста; заполни context_adaptation.`

// ContextSummarizer produces the summary record, length-adapted to the
// assessed detail level.
type ContextSummarizer struct{ baseAgent }

func (a *ContextSummarizer) Run(ctx context.Context, dc *DialogueContext) (*Summary, error) {
	var sb strings.Builder
	sb.WriteString("Диалог:\n")
	sb.WriteString(dc.Messages)
	if dc.Assessment != nil {
		fmt.Fprintf(&sb, "\nУровень детализации: %s\nТип диалога: %s",
			dc.Assessment.DetailLevel, dc.Assessment.DialogueType)
	}
	if dc.Topics != nil && len(dc.Topics.Topics) > 0 {
		sb.WriteString("\nТемы:")
		for _, t := range dc.Topics.Topics {
			sb.WriteString(" " + t.Name + ";")
		}
	}
	if dc.Speakers != nil {
		fmt.Fprintf(&sb, "\nУчастников: %d", len(dc.Speakers.Speakers))
	}
	return invoke[Summary](ctx, a.baseAgent, sb.String(), summarySchema)
}

// ErrorSummary is the fixed record installed when the summarizer fails; it
// keeps the rest of the pipeline runnable.
func ErrorSummary(dc *DialogueContext) *Summary {
	adaptation := ContextAdaptation{SummaryStyle: "fallback"}
	if dc.Assessment != nil {
		adaptation.DetailLevel = dc.Assessment.DetailLevel
		adaptation.DialogueType = dc.Assessment.DialogueType
	}
	return &Summary{
		SummaryText:       "Ошибка создания резюме",
		ContextAdaptation: adaptation,
	}
}

const keyMomentsPrompt = `Ты — аналитик ключевых моментов обсуждения.
Выдели key_decisions, critical_questions, action_items, turning_points и insights.
Опирайся только на то, что действительно прозвучало в диалоге.`

// KeyMomentsAgent runs for standard, detailed and comprehensive windows.
type KeyMomentsAgent struct{ baseAgent }

func (a *KeyMomentsAgent) Run(ctx context.Context, dc *DialogueContext) (*KeyMoments, error) {
	var sb strings.Builder
	sb.WriteString("Диалог:\n")
	sb.WriteString(dc.Messages)
	if dc.Summary != nil {
		sb.WriteString("\nРезюме: " + dc.Summary.SummaryText)
	}
	out, err := invoke[KeyMoments](ctx, a.baseAgent, sb.String(), keyMomentsSchema)
	if err != nil {
		return nil, err
	}
	out.KeyDecisions = dedupeStrings(out.KeyDecisions)
	out.CriticalQuestions = dedupeStrings(out.CriticalQuestions)
	out.ActionItems = dedupeStrings(out.ActionItems)
	out.TurningPoints = dedupeStrings(out.TurningPoints)
	out.Insights = dedupeStrings(out.Insights)
	return out, nil
}

// dedupeStrings removes exact duplicates after whitespace normalization,
// keeping first occurrences.
func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		key := strings.ToLower(strings.Join(strings.Fields(s), " "))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

const timelinePrompt = `Ты — аналитик хронологии обсуждения. Построй timeline_events
(timestamp как метка времени из диалога или название фазы, событие, участники,
significance), discussion_phases и topic_evolution. Не выдумывай время,
которого нет в сообщениях.`

// TimelineAgent runs for detailed and comprehensive windows.
type TimelineAgent struct{ baseAgent }

func (a *TimelineAgent) Run(ctx context.Context, dc *DialogueContext) (*Timeline, error) {
	return invoke[Timeline](ctx, a.baseAgent, "Диалог:\n"+dc.Messages, timelineSchema)
}

const linksPrompt = `Ты — классификатор ресурсов из группового чата.
Раздели ссылки на external_links и telegram_links (t.me и @-упоминания каналов),
для каждой укажи url, title, link_type и relevance. Собери mentions —
упоминания пользователей. Используй только ссылки и имена из диалога.`

// ContextLinksAgent classifies URLs and mentions; postprocess drops anything
// absent from the raw dialogue.
type ContextLinksAgent struct{ baseAgent }

func (a *ContextLinksAgent) Run(ctx context.Context, dc *DialogueContext) (*ContextLinks, error) {
	out, err := invoke[ContextLinks](ctx, a.baseAgent, "Диалог:\n"+dc.Messages, linksSchema)
	if err != nil {
		return nil, err
	}
	out.ExternalLinks = filterLinks(out.ExternalLinks, dc.Messages)
	out.TelegramLinks = filterLinks(out.TelegramLinks, dc.Messages)

	handles := dc.Usernames()
	kept := out.Mentions[:0]
	for _, m := range out.Mentions {
		if KnownUsername(m, handles) || strings.Contains(dc.Messages, m) {
			kept = append(kept, m)
		}
	}
	out.Mentions = kept
	return out, nil
}

func filterLinks(links []Link, dialogue string) []Link {
	kept := links[:0]
	for _, l := range links {
		if l.URL != "" && strings.Contains(dialogue, l.URL) {
			kept = append(kept, l)
		}
	}
	return kept
}

const synthesizerPrompt = `Ты — редактор итогового дайджеста группового чата.
Собери из результатов анализа связный дайджест на русском языке.
В html_digest используй ТОЛЬКО теги <b>, <i>, <code>, <pre> и <a href="...">.
Переносы строк — обычные переводы строки, пункты списков начинай с «• ».
Заполни sections: summary, topics, decisions, participants, resources.
Упоминай только участников и ссылки из переданного контекста.`

// synthOutput is the synthesizer's raw LLM shape; metadata is attached by
// the pipeline, not the model.
type synthOutput struct {
	HTMLDigest string         `json:"html_digest"`
	Sections   DigestSections `json:"sections"`
}

func (s *synthOutput) Validate() error {
	if strings.TrimSpace(s.HTMLDigest) == "" && s.Sections == (DigestSections{}) {
		return fmt.Errorf("%w: synthesizer produced neither html nor sections", ErrSchemaValidation)
	}
	return nil
}

// SupervisorSynthesizer renders the final digest from the full context. It
// always runs; on failure the orchestrator degrades to FallbackDigest.
type SupervisorSynthesizer struct{ baseAgent }

func (a *SupervisorSynthesizer) Run(ctx context.Context, dc *DialogueContext, now time.Time) (*FinalDigest, error) {
	out, err := invoke[synthOutput](ctx, a.baseAgent, synthesizerInput(dc), synthSchema)
	if err != nil {
		return nil, err
	}

	sections := out.Sections
	fillSections(&sections, dc)

	html := SanitizeHTML(out.HTMLDigest)
	if strings.TrimSpace(html) == "" {
		html = renderSections(sections)
	}

	return &FinalDigest{
		HTMLDigest: html,
		Metadata:   buildMetadata(dc, now),
		Sections:   sections,
	}, nil
}

func synthesizerInput(dc *DialogueContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Период: %d ч. Сообщений: %d. Участников: %d.\n",
		dc.Hours, dc.MessageCount(), len(dc.Usernames()))
	if dc.Assessment != nil {
		fmt.Fprintf(&sb, "Оценка: уровень=%s тип=%s\n", dc.Assessment.DetailLevel, dc.Assessment.DialogueType)
	}
	if dc.Summary != nil {
		sb.WriteString("Резюме: " + dc.Summary.SummaryText + "\n")
		writeList(&sb, "Решения", dc.Summary.KeyDecisions)
		writeList(&sb, "Открытые вопросы", dc.Summary.OutstandingIssues)
		writeList(&sb, "Следующие шаги", dc.Summary.NextSteps)
	}
	if dc.Topics != nil {
		var names []string
		for _, t := range dc.Topics.Topics {
			names = append(names, fmt.Sprintf("%s (%s)", t.Name, t.Priority))
		}
		writeList(&sb, "Темы", names)
	}
	if dc.Emotions != nil {
		fmt.Fprintf(&sb, "Тон: %s, атмосфера: %s\n", dc.Emotions.OverallTone, dc.Emotions.Atmosphere)
	}
	if dc.Speakers != nil {
		var names []string
		for _, sp := range dc.Speakers.Speakers {
			names = append(names, fmt.Sprintf("%s — %s", sp.Username, sp.Role))
		}
		writeList(&sb, "Участники", names)
	}
	if dc.KeyMoments != nil {
		writeList(&sb, "Ключевые решения", dc.KeyMoments.KeyDecisions)
		writeList(&sb, "Инсайты", dc.KeyMoments.Insights)
	}
	if dc.Timeline != nil {
		var events []string
		for _, e := range dc.Timeline.TimelineEvents {
			events = append(events, fmt.Sprintf("%s: %s", e.Timestamp, e.Event))
		}
		writeList(&sb, "Хронология", events)
	}
	if dc.ContextLinks != nil {
		var urls []string
		for _, l := range append(append([]Link{}, dc.ContextLinks.ExternalLinks...), dc.ContextLinks.TelegramLinks...) {
			urls = append(urls, l.URL)
		}
		writeList(&sb, "Ссылки", urls)
	}
	return sb.String()
}

func writeList(sb *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	sb.WriteString(label + ":\n")
	for _, it := range items {
		sb.WriteString("- " + it + "\n")
	}
}

// fillSections populates any section the model left empty from the upstream
// slots, so partial results always surface.
func fillSections(s *DigestSections, dc *DialogueContext) {
	if s.Summary == "" && dc.Summary != nil {
		s.Summary = dc.Summary.SummaryText
	}
	if s.Topics == "" && dc.Topics != nil {
		var names []string
		for _, t := range dc.Topics.Topics {
			names = append(names, t.Name)
		}
		s.Topics = strings.Join(names, ", ")
	}
	if s.Decisions == "" {
		if dc.KeyMoments != nil && len(dc.KeyMoments.KeyDecisions) > 0 {
			s.Decisions = strings.Join(dc.KeyMoments.KeyDecisions, "; ")
		} else if dc.Summary != nil && len(dc.Summary.KeyDecisions) > 0 {
			s.Decisions = strings.Join(dc.Summary.KeyDecisions, "; ")
		}
	}
	if s.Participants == "" && dc.Speakers != nil {
		var names []string
		for _, sp := range dc.Speakers.Speakers {
			names = append(names, sp.Username)
		}
		s.Participants = strings.Join(names, ", ")
	}
	if s.Resources == "" && dc.ContextLinks != nil {
		var urls []string
		for _, l := range append(append([]Link{}, dc.ContextLinks.ExternalLinks...), dc.ContextLinks.TelegramLinks...) {
			urls = append(urls, l.URL)
		}
		s.Resources = strings.Join(urls, " ")
	}
}

// renderSections builds a digest from sections alone, used when the model
// returned no html and by the fallback page.
func renderSections(s DigestSections) string {
	var sb strings.Builder
	if s.Summary != "" {
		sb.WriteString("<b>Резюме</b>\n" + EscapeHTML(s.Summary) + "\n\n")
	}
	if s.Topics != "" {
		sb.WriteString("<b>Темы</b>\n" + EscapeHTML(s.Topics) + "\n\n")
	}
	if s.Decisions != "" {
		sb.WriteString("<b>Решения</b>\n" + EscapeHTML(s.Decisions) + "\n\n")
	}
	if s.Participants != "" {
		sb.WriteString("<b>Участники</b>\n" + EscapeHTML(s.Participants) + "\n\n")
	}
	if s.Resources != "" {
		sb.WriteString("<b>Ресурсы</b>\n")
		for _, u := range strings.Fields(s.Resources) {
			if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
				sb.WriteString(`• <a href="` + escapeAttr(u) + `">` + EscapeHTML(u) + "</a>\n")
			} else {
				sb.WriteString("• " + EscapeHTML(u) + "\n")
			}
		}
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		out = "<b>Дайджест</b>\nЗа выбранный период сообщений не найдено."
	}
	return out
}

func buildMetadata(dc *DialogueContext, now time.Time) DigestMetadata {
	meta := DigestMetadata{
		DetailLevel:         DetailStandard,
		DialogueType:        DialogueDiscussion,
		ParticipantsCount:   len(dc.Usernames()),
		MessageCount:        dc.MessageCount(),
		GenerationTimestamp: now.UTC(),
	}
	if dc.Assessment != nil {
		meta.DetailLevel = dc.Assessment.DetailLevel
		meta.DialogueType = dc.Assessment.DialogueType
	}
	return meta
}

// FallbackDigest is the static error page used when the synthesizer itself
// fails: an error banner plus whatever partial results are available.
func FallbackDigest(dc *DialogueContext, now time.Time, errMsg string) *FinalDigest {
	var sections DigestSections
	fillSections(&sections, dc)

	var sb strings.Builder
	sb.WriteString("<b>Ошибка создания дайджеста</b>\n")
	if errMsg != "" {
		sb.WriteString("<i>" + EscapeHTML(errMsg) + "</i>\n")
	}
	if partial := renderSections(sections); partial != "" {
		sb.WriteString("\n" + partial)
	}

	return &FinalDigest{
		HTMLDigest: strings.TrimSpace(sb.String()),
		Metadata:   buildMetadata(dc, now),
		Sections:   sections,
	}
}
