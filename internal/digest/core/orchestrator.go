package core

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tgram-labs/digestor/internal/digest/config"
	"github.com/tgram-labs/digestor/internal/digest/telemetry"
)

// Orchestrator runs the fixed nine-agent digest pipeline over one message
// window. It is safe for concurrent use; all per-run state lives in the
// DialogueContext.
type Orchestrator struct {
	cfg    *config.Config
	agents *Agents
	tel    *telemetry.Telemetry
	logger *log.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewOrchestrator wires the pipeline to an LLM provider.
func NewOrchestrator(cfg *config.Config, llm Provider, tel *telemetry.Telemetry) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		agents: NewAgents(cfg.Pipeline, llm),
		tel:    tel,
		logger: log.New(os.Stdout, "[PIPELINE] ", log.LstdFlags),
		tracer: otel.Tracer("digestor/core"),
		now:    time.Now,
	}
}

// GenerateDigest runs the pipeline over the given window. It never panics
// and never returns an error: degraded runs surface as Success == false with
// a fallback digest attached.
func (o *Orchestrator) GenerateDigest(ctx context.Context, messages []Message, hours int, userID, groupID string) (result RunResult) {
	start := o.now()
	runID := uuid.New().String()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Printf("run %s: recovered from panic: %v", runID, r)
			result = RunResult{
				Success:       false,
				Error:         fmt.Sprintf("internal error: %v", r),
				ExecutionTime: o.now().Sub(start).Seconds(),
			}
		}
	}()

	ctx, span := o.tracer.Start(ctx, "digest_run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("user.id", userID),
		attribute.String("group.id", groupID),
		attribute.Int("window.hours", hours),
		attribute.Int("messages.raw", len(messages)),
	))
	defer span.End()

	dc := o.prepareContext(messages, hours, userID, groupID)
	o.logger.Printf("run %s: group=%s messages=%d participants=%d",
		runID, groupID, dc.MessageCount(), len(dc.Usernames()))

	var statuses []AgentStatus
	record := func(st AgentStatus) {
		statuses = append(statuses, st)
		o.tel.RecordAgent(telemetry.AgentEvent{
			RunID:     runID,
			AgentName: st.AgentName,
			Status:    st.Status,
			Duration:  time.Duration(st.ExecutionTime * float64(time.Second)),
			Timestamp: o.now(),
		})
	}

	// Stage 1: assess. A failed assessment degrades to defaults instead of
	// aborting the run.
	if ctx.Err() == nil {
		st := o.timed(ctx, AgentDialogueAssessor, func(ctx context.Context) (string, error) {
			out, err := o.agents.Assessor.Run(ctx, dc)
			if err != nil {
				return "", err
			}
			dc.Assessment = out
			return fmt.Sprintf("уровень=%s тип=%s", out.DetailLevel, out.DialogueType), nil
		})
		if st.Status == StatusError {
			dc.Assessment = DefaultAssessment(dc)
			st.Status = StatusFallback
			st.OutputSummary = fmt.Sprintf("уровень=%s (по умолчанию)", dc.Assessment.DetailLevel)
		}
		record(st)
	} else {
		dc.Assessment = DefaultAssessment(dc)
	}

	// Stage 2: topics and emotions run concurrently. Both read only the
	// pre-assessment slots; results land under the caller's goroutine after
	// the join, keeping dc single-writer.
	if ctx.Err() == nil {
		var (
			wg               sync.WaitGroup
			topicsSt, emotSt AgentStatus
			topicsOut        *Topics
			emotOut          *Emotions
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			topicsSt = o.timed(ctx, AgentTopicExtractor, func(ctx context.Context) (string, error) {
				out, err := o.agents.Topics.Run(ctx, dc)
				if err != nil {
					return "", err
				}
				topicsOut = out
				return fmt.Sprintf("извлечено %d тем", len(out.Topics)), nil
			})
		}()
		go func() {
			defer wg.Done()
			emotSt = o.timed(ctx, AgentEmotionAnalyzer, func(ctx context.Context) (string, error) {
				out, err := o.agents.Emotions.Run(ctx, dc)
				if err != nil {
					return "", err
				}
				emotOut = out
				return "тон=" + out.OverallTone, nil
			})
		}()
		wg.Wait()
		dc.Topics = topicsOut
		dc.Emotions = emotOut
		record(topicsSt)
		record(emotSt)
	}

	// Stage 3: speakers.
	if ctx.Err() == nil {
		st := o.timed(ctx, AgentSpeakerAnalyzer, func(ctx context.Context) (string, error) {
			out, err := o.agents.Speakers.Run(ctx, dc)
			if err != nil {
				return "", err
			}
			dc.Speakers = out
			return fmt.Sprintf("проанализировано %d участников", len(out.Speakers)), nil
		})
		record(st)
	}

	// Stage 4: summary. A failed summarizer still fills the slot with the
	// fixed error record so downstream stages have something to cite.
	if ctx.Err() == nil {
		st := o.timed(ctx, AgentContextSummarizer, func(ctx context.Context) (string, error) {
			out, err := o.agents.Summarizer.Run(ctx, dc)
			if err != nil {
				return "", err
			}
			dc.Summary = out
			return fmt.Sprintf("резюме из %d пунктов", len(out.MainPoints)), nil
		})
		if st.Status == StatusError {
			dc.Summary = ErrorSummary(dc)
		}
		record(st)
	}

	// Stage 5: conditional agents. A skipped agent leaves no status record
	// and a nil slot.
	level := DetailStandard
	if dc.Assessment != nil {
		level = dc.Assessment.DetailLevel
	}
	if ctx.Err() == nil && keyMomentsActive(level) {
		st := o.timed(ctx, AgentKeyMoments, func(ctx context.Context) (string, error) {
			out, err := o.agents.KeyMoments.Run(ctx, dc)
			if err != nil {
				return "", err
			}
			dc.KeyMoments = out
			return fmt.Sprintf("решений: %d, инсайтов: %d", len(out.KeyDecisions), len(out.Insights)), nil
		})
		record(st)
	}
	if ctx.Err() == nil && timelineActive(level) {
		st := o.timed(ctx, AgentTimeline, func(ctx context.Context) (string, error) {
			out, err := o.agents.Timeline.Run(ctx, dc)
			if err != nil {
				return "", err
			}
			dc.Timeline = out
			return fmt.Sprintf("событий: %d", len(out.TimelineEvents)), nil
		})
		record(st)
	}
	if ctx.Err() == nil && linksActive(level, dc.Assessment) {
		st := o.timed(ctx, AgentContextLinks, func(ctx context.Context) (string, error) {
			out, err := o.agents.Links.Run(ctx, dc)
			if err != nil {
				return "", err
			}
			dc.ContextLinks = out
			return fmt.Sprintf("ссылок: %d", len(out.ExternalLinks)+len(out.TelegramLinks)), nil
		})
		record(st)
	}

	// Stage 6: synthesize. Always attempted; failure degrades to the static
	// error page rather than an empty result.
	var (
		digest    *FinalDigest
		runErr    string
		succeeded = true
	)
	st := o.timed(ctx, AgentSupervisorSynthesizer, func(ctx context.Context) (string, error) {
		out, err := o.agents.Synthesizer.Run(ctx, dc, o.now())
		if err != nil {
			return "", err
		}
		digest = out
		return fmt.Sprintf("дайджест %d символов", len(out.HTMLDigest)), nil
	})
	if st.Status == StatusError {
		st.Status = StatusFallback
		digest = FallbackDigest(dc, o.now(), st.ErrorMessage)
		runErr = "ошибка генерации"
		succeeded = false
	}
	record(st)

	if ctxErr := ctx.Err(); ctxErr != nil && succeeded {
		runErr = ctxErr.Error()
		succeeded = false
	}

	dc.AgentsStatus = statuses
	digest.Metadata.AgentsStatus = statuses

	elapsed := o.now().Sub(start)
	result = RunResult{
		Success:       succeeded,
		Digest:        digest,
		Error:         runErr,
		AgentsStatus:  statuses,
		ExecutionTime: elapsed.Seconds(),
	}

	if !succeeded {
		span.SetStatus(codes.Error, runErr)
	}
	span.SetAttributes(
		attribute.Bool("run.success", succeeded),
		attribute.Float64("run.duration_seconds", elapsed.Seconds()),
	)
	o.tel.RecordRun(telemetry.RunEvent{
		RunID:     runID,
		UserID:    userID,
		GroupID:   groupID,
		Success:   succeeded,
		Duration:  elapsed,
		Timestamp: o.now(),
		Counts:    statusCounts(statuses),
	})
	o.logger.Printf("run %s: success=%t agents=%d duration=%.2fs",
		runID, succeeded, len(statuses), elapsed.Seconds())
	return result
}

// prepareContext normalizes, truncates and formats the window into the
// shared per-run context.
func (o *Orchestrator) prepareContext(messages []Message, hours int, userID, groupID string) *DialogueContext {
	ordered := NormalizeChronological(messages)
	if max := o.cfg.Pipeline.MaxMessages; len(ordered) > max {
		ordered = ordered[len(ordered)-max:]
	}
	return &DialogueContext{
		Messages:  FormatMessages(ordered),
		Hours:     hours,
		UserID:    userID,
		GroupID:   groupID,
		usernames: ExtractUsernames(ordered),
		rawCount:  len(ordered),
	}
}

// timed executes one agent under a span, converting the outcome into an
// AgentStatus with a monotonic duration.
func (o *Orchestrator) timed(ctx context.Context, name string, fn func(context.Context) (string, error)) AgentStatus {
	ctx, span := o.tracer.Start(ctx, "agent."+name)
	defer span.End()

	start := time.Now()
	summary, err := fn(ctx)
	st := AgentStatus{
		AgentName:     name,
		Status:        StatusSuccess,
		ExecutionTime: time.Since(start).Seconds(),
		OutputSummary: summary,
	}
	if err != nil {
		st.Status = StatusError
		st.ErrorMessage = err.Error()
		st.OutputSummary = ""
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Printf("agent %s failed: %v", name, err)
	}
	span.SetAttributes(
		attribute.String("agent.status", st.Status),
		attribute.Float64("agent.duration_seconds", st.ExecutionTime),
	)
	return st
}

func statusCounts(statuses []AgentStatus) telemetry.StatusCounts {
	var c telemetry.StatusCounts
	for _, st := range statuses {
		switch st.Status {
		case StatusSuccess:
			c.Success++
		case StatusFallback:
			c.Fallback++
		case StatusError:
			c.Error++
		}
	}
	return c
}

func keyMomentsActive(level string) bool {
	switch level {
	case DetailStandard, DetailDetailed, DetailComprehensive:
		return true
	}
	return false
}

func timelineActive(level string) bool {
	return level == DetailDetailed || level == DetailComprehensive
}

func linksActive(level string, a *Assessment) bool {
	if level == DetailComprehensive {
		return true
	}
	return a != nil && a.HasLinks
}
