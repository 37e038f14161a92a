package core

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

var detailLevels = map[string]bool{
	DetailMicro: true, DetailBrief: true, DetailStandard: true,
	DetailDetailed: true, DetailComprehensive: true,
}

var dialogueTypes = map[string]bool{
	DialogueDiscussion: true, DialogueQuestionAnswer: true,
	DialogueAnnouncement: true, DialogueBrainstorming: true,
	DialoguePlanning: true, DialogueSupport: true, DialogueMixed: true,
}

var ladderLevels = map[string]bool{LevelLow: true, LevelMedium: true, LevelHigh: true}

var urgencyLevels = map[string]bool{
	LevelLow: true, LevelMedium: true, LevelHigh: true, UrgencyCritical: true,
}

var speakerRoles = map[string]bool{
	RoleLeader: true, RoleSupporter: true, RoleQuestioner: true,
	RoleContributor: true, RoleObserver: true,
}

// GenerateSchema reflects T into a JSON schema map suitable for appending to
// a system prompt. Additional properties are forbidden and every declared
// property is required, so the model cannot smuggle extra fields past the
// schema instructions.
func GenerateSchema[T any]() map[string]interface{} {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	var v T
	schema := reflector.Reflect(v)
	b, err := schema.MarshalJSON()
	if err != nil {
		panic(err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		panic(err)
	}
	ensureStrictSchema(m)
	return m
}

func ensureStrictSchema(schema map[string]interface{}) {
	if t, ok := schema["type"].(string); ok && t == "object" {
		schema["additionalProperties"] = false
		if props, ok := schema["properties"].(map[string]interface{}); ok {
			var required []string
			for name := range props {
				required = append(required, name)
			}
			if len(required) > 0 {
				schema["required"] = required
			}
		}
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		for _, p := range props {
			if pm, ok := p.(map[string]interface{}); ok {
				ensureStrictSchema(pm)
			}
		}
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		ensureStrictSchema(items)
	}
}

// Validate checks the Assessment against its closed enum sets and numeric
// ranges. Dominant topics are capped at five; a short list is tolerated
// because sparse windows cannot produce three.
func (a *Assessment) Validate() error {
	if !detailLevels[a.DetailLevel] {
		return fmt.Errorf("%w: detail_level %q", ErrSchemaValidation, a.DetailLevel)
	}
	if !dialogueTypes[a.DialogueType] {
		return fmt.Errorf("%w: dialogue_type %q", ErrSchemaValidation, a.DialogueType)
	}
	if a.ComplexityScore < 0 || a.ComplexityScore > 1 {
		return fmt.Errorf("%w: complexity_score %f out of [0,1]", ErrSchemaValidation, a.ComplexityScore)
	}
	if !urgencyLevels[a.UrgencyLevel] {
		return fmt.Errorf("%w: urgency_level %q", ErrSchemaValidation, a.UrgencyLevel)
	}
	if a.MessageCount < 0 {
		return fmt.Errorf("%w: message_count %d", ErrSchemaValidation, a.MessageCount)
	}
	if a.ParticipantsCount < 0 {
		return fmt.Errorf("%w: participants_count %d", ErrSchemaValidation, a.ParticipantsCount)
	}
	if len(a.DominantTopics) > 5 {
		a.DominantTopics = a.DominantTopics[:5]
	}
	return nil
}

// Validate checks topic priorities. Empty topic lists are legal.
func (t *Topics) Validate() error {
	for i := range t.Topics {
		if t.Topics[i].Name == "" {
			return fmt.Errorf("%w: topic %d has empty name", ErrSchemaValidation, i)
		}
		if !ladderLevels[t.Topics[i].Priority] {
			return fmt.Errorf("%w: topic priority %q", ErrSchemaValidation, t.Topics[i].Priority)
		}
		if t.Topics[i].MessageCount < 0 {
			return fmt.Errorf("%w: topic message_count %d", ErrSchemaValidation, t.Topics[i].MessageCount)
		}
	}
	return nil
}

func (e *Emotions) Validate() error {
	if e.OverallTone == "" {
		return fmt.Errorf("%w: overall_tone is required", ErrSchemaValidation)
	}
	if !ladderLevels[e.IntensityLevel] {
		return fmt.Errorf("%w: intensity_level %q", ErrSchemaValidation, e.IntensityLevel)
	}
	return nil
}

func (s *Speakers) Validate() error {
	for i := range s.Speakers {
		sp := &s.Speakers[i]
		if sp.Username == "" {
			return fmt.Errorf("%w: speaker %d has empty username", ErrSchemaValidation, i)
		}
		if !speakerRoles[sp.Role] {
			return fmt.Errorf("%w: speaker role %q", ErrSchemaValidation, sp.Role)
		}
		if !ladderLevels[sp.ActivityLevel] {
			return fmt.Errorf("%w: activity_level %q", ErrSchemaValidation, sp.ActivityLevel)
		}
		if sp.MessageCount < 0 {
			return fmt.Errorf("%w: speaker message_count %d", ErrSchemaValidation, sp.MessageCount)
		}
	}
	return nil
}

func (s *Summary) Validate() error {
	if s.SummaryText == "" {
		return fmt.Errorf("%w: summary_text is required", ErrSchemaValidation)
	}
	return nil
}

func (k *KeyMoments) Validate() error { return nil }

func (t *Timeline) Validate() error {
	for i := range t.TimelineEvents {
		if t.TimelineEvents[i].Event == "" {
			return fmt.Errorf("%w: timeline event %d has empty description", ErrSchemaValidation, i)
		}
	}
	return nil
}

func (c *ContextLinks) Validate() error {
	for _, l := range append(append([]Link{}, c.ExternalLinks...), c.TelegramLinks...) {
		if l.URL == "" {
			return fmt.Errorf("%w: link with empty url", ErrSchemaValidation)
		}
	}
	return nil
}
