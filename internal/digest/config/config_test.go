package config

import (
	"testing"
	"time"
)

func TestAgentTimeoutDefaults(t *testing.T) {
	cfg := PipelineConfig{Timeouts: map[string]time.Duration{
		"dialogue_assessor":      15 * time.Second,
		"supervisor_synthesizer": 45 * time.Second,
	}}
	if got := cfg.AgentTimeout("dialogue_assessor"); got != 15*time.Second {
		t.Fatalf("assessor timeout: %v", got)
	}
	if got := cfg.AgentTimeout("supervisor_synthesizer"); got != 45*time.Second {
		t.Fatalf("synthesizer timeout: %v", got)
	}
	if got := cfg.AgentTimeout("topic_extractor"); got != 30*time.Second {
		t.Fatalf("unlisted agent must default to 30s, got %v", got)
	}
}

func TestValidateConfig(t *testing.T) {
	good := &Config{
		LLM:      LLMConfig{Provider: "gigachat", ProxyURL: "http://localhost:8090/v1", Model: "GigaChat-Pro"},
		Pipeline: PipelineConfig{MaxMessages: 200},
	}
	if err := validateConfig(good); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := *good
	bad.LLM.Provider = "mystery"
	if err := validateConfig(&bad); err == nil {
		t.Fatalf("unknown provider must be rejected")
	}

	bad = *good
	bad.Pipeline.MaxMessages = 0
	if err := validateConfig(&bad); err == nil {
		t.Fatalf("zero max_messages must be rejected")
	}
}
