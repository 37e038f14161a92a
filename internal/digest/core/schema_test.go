package core

import (
	"errors"
	"testing"
)

func TestGenerateSchemaIsStrict(t *testing.T) {
	schema := GenerateSchema[Assessment]()
	if schema["type"] != "object" {
		t.Fatalf("expected object schema, got %v", schema["type"])
	}
	if ap, ok := schema["additionalProperties"].(bool); !ok || ap {
		t.Fatalf("additionalProperties must be false, got %v", schema["additionalProperties"])
	}
	props, ok := schema["properties"].(map[string]interface{})
	if !ok {
		t.Fatalf("schema has no properties")
	}
	for _, name := range []string{"detail_level", "dialogue_type", "complexity_score", "dominant_topics"} {
		if _, ok := props[name]; !ok {
			t.Fatalf("property %q missing from schema", name)
		}
	}
	required, ok := schema["required"].([]string)
	if !ok {
		t.Fatalf("schema has no required list")
	}
	if len(required) != len(props) {
		t.Fatalf("every property must be required: %d required vs %d properties", len(required), len(props))
	}
}

func TestGenerateSchemaNestedObjectsAreStrict(t *testing.T) {
	schema := GenerateSchema[Speakers]()
	props := schema["properties"].(map[string]interface{})
	gd, ok := props["group_dynamics"].(map[string]interface{})
	if !ok {
		t.Fatalf("group_dynamics missing")
	}
	if ap, ok := gd["additionalProperties"].(bool); !ok || ap {
		t.Fatalf("nested objects must also forbid extra properties, got %v", gd["additionalProperties"])
	}
}

func TestAssessmentValidate(t *testing.T) {
	good := Assessment{
		DetailLevel:     DetailStandard,
		DialogueType:    DialogueDiscussion,
		ComplexityScore: 0.5,
		UrgencyLevel:    LevelLow,
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid assessment rejected: %v", err)
	}

	bad := good
	bad.DetailLevel = "huge"
	if err := bad.Validate(); !errors.Is(err, ErrSchemaValidation) {
		t.Fatalf("expected ErrSchemaValidation for detail level, got %v", err)
	}

	bad = good
	bad.ComplexityScore = 1.5
	if err := bad.Validate(); !errors.Is(err, ErrSchemaValidation) {
		t.Fatalf("expected ErrSchemaValidation for complexity, got %v", err)
	}

	long := good
	long.DominantTopics = []string{"a", "b", "c", "d", "e", "f", "g"}
	if err := long.Validate(); err != nil {
		t.Fatalf("topic overflow must truncate, not reject: %v", err)
	}
	if len(long.DominantTopics) != 5 {
		t.Fatalf("dominant_topics must be capped at 5, got %d", len(long.DominantTopics))
	}
}

func TestTopicsValidate(t *testing.T) {
	ok := Topics{Topics: []Topic{{Name: "релиз", Priority: LevelHigh}}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid topics rejected: %v", err)
	}
	empty := Topics{}
	if err := empty.Validate(); err != nil {
		t.Fatalf("empty topic list must be legal: %v", err)
	}
	bad := Topics{Topics: []Topic{{Name: "x", Priority: "urgent"}}}
	if err := bad.Validate(); !errors.Is(err, ErrSchemaValidation) {
		t.Fatalf("expected ErrSchemaValidation for priority, got %v", err)
	}
}

func TestEmotionsValidate(t *testing.T) {
	ok := Emotions{OverallTone: "нейтральный", IntensityLevel: LevelLow}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid emotions rejected: %v", err)
	}
	bad := Emotions{IntensityLevel: LevelLow}
	if err := bad.Validate(); !errors.Is(err, ErrSchemaValidation) {
		t.Fatalf("expected ErrSchemaValidation for missing tone, got %v", err)
	}
}

func TestSpeakersValidate(t *testing.T) {
	bad := Speakers{Speakers: []Speaker{{Username: "ivan", Role: "boss", ActivityLevel: LevelLow}}}
	if err := bad.Validate(); !errors.Is(err, ErrSchemaValidation) {
		t.Fatalf("expected ErrSchemaValidation for role, got %v", err)
	}
}

func TestSummaryValidate(t *testing.T) {
	bad := Summary{}
	if err := bad.Validate(); !errors.Is(err, ErrSchemaValidation) {
		t.Fatalf("expected ErrSchemaValidation for empty summary_text, got %v", err)
	}
}

func TestContextLinksValidate(t *testing.T) {
	bad := ContextLinks{ExternalLinks: []Link{{Title: "без url"}}}
	if err := bad.Validate(); !errors.Is(err, ErrSchemaValidation) {
		t.Fatalf("expected ErrSchemaValidation for empty url, got %v", err)
	}
}
