package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"deepresearch/internal/logging"
	"deepresearch/internal/metrics"
	"deepresearch/internal/research/domain"
	"deepresearch/internal/research/ports"
)

var tracer = otel.Tracer("deepresearch/research/pipeline")

const (
	reportPlanOpenTag   = "<report-plan>"
	reportPlanCloseTag  = "</report-plan>"
	searchTaskOpenTag   = "<search-task>"
	searchTaskCloseTag  = "</search-task>"
	finalReportOpenTag  = "<final-report>"
	finalReportCloseTag = "</final-report>"

	maxKeyRotationAttempts = 3

	searchAPIKeysEnvVar = "DEEPRESEARCH_SEARCH_API_KEYS"

	// finalReportTokenBudget caps the learnings list fed into the final
	// report prompt so the assembled request stays within typical model
	// context windows; learnings beyond the budget are dropped oldest-first.
	finalReportTokenBudget = 80000
)

// Pipeline implements §4.E's four-stage driver: plan, SERP queries, search
// fan-out, final report. Each stage wraps a rotation-governed model (or
// search) call in an OpenTelemetry span, validates the result, and emits
// events through the EventEmitter the Task Manager supplies.
type Pipeline struct {
	modelClient  ports.ModelClient
	searchClient ports.SearchClient
	notifier     ports.NotificationSink
	logger       logging.Logger

	thinkingModels []string
	taskModels     []string
	baseDelay      time.Duration
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithThinkingModels overrides the default thinking-model rotation pool
// used for plan, SERP-query, and final-report stages.
func WithThinkingModels(models []string) PipelineOption {
	return func(p *Pipeline) {
		if len(models) > 0 {
			p.thinkingModels = models
		}
	}
}

// WithTaskModels overrides the default task-model rotation pool used for
// per-query search summarization.
func WithTaskModels(models []string) PipelineOption {
	return func(p *Pipeline) {
		if len(models) > 0 {
			p.taskModels = models
		}
	}
}

// WithNotifier wires the best-effort notification sink used for
// credit/quota exhaustion alerts (§4.H).
func WithNotifier(n ports.NotificationSink) PipelineOption {
	return func(p *Pipeline) { p.notifier = n }
}

// WithPipelineBaseDelay overrides the rotator's base backoff delay D.
func WithPipelineBaseDelay(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.baseDelay = d
		}
	}
}

// WithPipelineLogger overrides the default component logger.
func WithPipelineLogger(logger logging.Logger) PipelineOption {
	return func(p *Pipeline) {
		if !logging.IsNil(logger) {
			p.logger = logger
		}
	}
}

// NewPipeline builds a Pipeline over the given model and search ports.
func NewPipeline(modelClient ports.ModelClient, searchClient ports.SearchClient, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		modelClient:  modelClient,
		searchClient: searchClient,
		logger:       logging.NewComponentLogger("pipeline"),
		baseDelay:    time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// pipelineState accumulates cross-stage artifacts as the run progresses.
type pipelineState struct {
	plan        string
	queries     []domain.SERPQuery
	learnings   []string
	sources     []ports.SearchSource
	images      []ports.SearchImage
	aggregate   strings.Builder
	attemptsLog []string
}

// Run drives record's pipeline to completion or a fatal stage error,
// reporting progress and output through emit. It implements the
// PipelineRunner interface the Task Manager depends on.
func (p *Pipeline) Run(ctx context.Context, record *domain.Record, emit EventEmitter) error {
	state := &pipelineState{}
	params := record.Params

	thinkingModels := p.thinkingModels
	if len(params.ThinkingModels) > 0 {
		thinkingModels = params.ThinkingModels
	}
	taskModels := p.taskModels
	if len(params.TaskModels) > 0 {
		taskModels = params.TaskModels
	}

	if err := p.runPlanStage(ctx, record.ID, params, thinkingModels, state, emit); err != nil {
		return err
	}
	if err := p.runSERPStage(ctx, record.ID, params, thinkingModels, state, emit); err != nil {
		return err
	}
	if err := p.runSearchStage(ctx, record.ID, params, taskModels, state, emit); err != nil {
		return err
	}
	if err := p.runFinalReportStage(ctx, record.ID, params, thinkingModels, state, emit); err != nil {
		return err
	}
	return nil
}

// runPlanStage implements §4.E stage 1.
func (p *Pipeline) runPlanStage(ctx context.Context, taskID string, params domain.Params, models []string, state *pipelineState, emit EventEmitter) error {
	ctx, span := tracer.Start(ctx, "pipeline.plan", trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	emit.UpdateProgress(domain.StepReportPlan, domain.StepStatusRunning, "")

	openerEmitted := false
	result, err := p.runGeneration(ctx, taskID, domain.StagePlan, models, func() string {
		return planPrompt(params)
	}, func(chunk string) {
		if !openerEmitted {
			emit.AppendOutput(reportPlanOpenTag)
			openerEmitted = true
		}
		emit.AppendOutput(chunk)
		state.aggregate.WriteString(chunk)
	}, span)
	if err != nil {
		emit.UpdateProgress(domain.StepReportPlan, domain.StepStatusFailed, domain.FinishError)
		span.SetStatus(codes.Error, err.Error())
		return wrapStageErr(taskID, domain.StagePlan, err)
	}

	state.plan = result.Content
	emit.AppendOutput(reportPlanCloseTag)
	state.aggregate.WriteString(reportPlanCloseTag)
	emit.UpdateProgress(domain.StepReportPlan, domain.StepStatusCompleted, result.FinishReason)
	return nil
}

// runSERPStage implements §4.E stage 2: a non-streaming call whose result is
// parsed via the tolerant JSON extractor, with retries escalating prompt
// strictness.
func (p *Pipeline) runSERPStage(ctx context.Context, taskID string, params domain.Params, models []string, state *pipelineState, emit EventEmitter) error {
	ctx, span := tracer.Start(ctx, "pipeline.serp", trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	emit.UpdateProgress(domain.StepSERPQuery, domain.StepStatusRunning, "")

	rotator := domain.NewRotator(models, domain.WithBaseDelay(p.baseDelay))
	strict := false
	var lastErr error

	for {
		attempt, ok := rotator.Next()
		if !ok {
			break
		}
		if err := sleepRespectingContext(ctx, attempt.Delay); err != nil {
			return err
		}

		prompt := serpPrompt(params, state.plan, strict)
		events, err := p.modelClient.Stream(ctx, attempt.Model, "", prompt)
		if err != nil {
			if creditErr := p.classifyAndNotify(ctx, taskID, err); creditErr != nil {
				emit.UpdateProgress(domain.StepSERPQuery, domain.StepStatusFailed, domain.FinishError)
				span.SetStatus(codes.Error, creditErr.Error())
				return creditErr
			}
			rotator.RecordFailure(attempt.Model, attempt, err)
			metrics.RotationAttemptsTotal.WithLabelValues(string(domain.StageSERPQueries), metrics.OutcomeFailure).Inc()
			lastErr = err
			strict = true
			continue
		}

		content, finishReason := drainModelStream(events)
		extracted := domain.ExtractJSON(content)
		if !extracted.OK {
			rotator.RecordFailure(attempt.Model, attempt, extracted.Err)
			metrics.RotationAttemptsTotal.WithLabelValues(string(domain.StageSERPQueries), metrics.OutcomeFailure).Inc()
			lastErr = extracted.Err
			strict = true
			continue
		}

		queries := decodeSERPQueries(extracted.Data)
		verdict := domain.Validate(domain.StageSERPQueries, domain.StageOutput{
			Content:      content,
			FinishReason: finishReason,
			Queries:      queries,
		})
		if !verdict.Accepted {
			rotator.RecordFailure(attempt.Model, attempt, fmt.Errorf("%s", verdict.Reason))
			metrics.RotationAttemptsTotal.WithLabelValues(string(domain.StageSERPQueries), metrics.OutcomeFailure).Inc()
			lastErr = fmt.Errorf("%s", verdict.Reason)
			strict = true
			continue
		}

		rotator.RecordSuccess(attempt.Model)
		metrics.RotationAttemptsTotal.WithLabelValues(string(domain.StageSERPQueries), metrics.OutcomeSuccess).Inc()
		state.queries = queries
		emit.UpdateProgress(domain.StepSERPQuery, domain.StepStatusCompleted, finishReason)
		span.SetAttributes(attribute.Int("pipeline.serp.query_count", len(queries)))
		return nil
	}

	metrics.RotationExhaustedTotal.WithLabelValues(string(domain.StageSERPQueries)).Inc()
	span.SetStatus(codes.Error, "serp stage exhausted")
	emit.UpdateProgress(domain.StepSERPQuery, domain.StepStatusFailed, domain.FinishError)
	exhausted := rotator.NewExhaustedError(lastErr)
	return domain.NewStageFailedError(taskID, domain.StageSERPQueries, domain.TerminalMessage(domain.StageSERPQueries, exhausted.Error()), exhausted)
}

// runSearchStage implements §4.E stage 3: sequential per-query fan-out, each
// with its own API-key rotation.
func (p *Pipeline) runSearchStage(ctx context.Context, taskID string, params domain.Params, taskModels []string, state *pipelineState, emit EventEmitter) error {
	ctx, span := tracer.Start(ctx, "pipeline.search", trace.WithAttributes(attribute.String("task.id", taskID), attribute.Int("pipeline.search.query_count", len(state.queries))))
	defer span.End()

	emit.UpdateProgress(domain.StepSearch, domain.StepStatusRunning, "")

	keyPool := buildKeyPool(params)

	for _, q := range state.queries {
		result, err := p.searchWithKeyRotation(ctx, taskID, q.Query, keyPool, params.MaxResult)
		if err != nil {
			emit.UpdateProgress(domain.StepSearch, domain.StepStatusFailed, domain.FinishError)
			span.SetStatus(codes.Error, err.Error())
			var engErr *domain.EngineError
			if errors.As(err, &engErr) {
				return engErr
			}
			wrapped := domain.NewSearchExhaustedError(taskID, q.Query, err)
			return domain.NewStageFailedError(taskID, domain.StageFinalReport, fmt.Sprintf("The task failed while searching for %q: %v", q.Query, wrapped), wrapped)
		}

		state.sources = append(state.sources, result.Sources...)
		state.images = append(state.images, result.Images...)

		summary, err := p.summarizeLearning(ctx, taskID, taskModels, q, result)
		if err != nil {
			emit.UpdateProgress(domain.StepSearch, domain.StepStatusFailed, domain.FinishError)
			span.SetStatus(codes.Error, err.Error())
			return wrapStageErr(taskID, domain.StageFinalReport, err)
		}

		state.learnings = append(state.learnings, summary)
		chunk := searchTaskOpenTag + summary + searchTaskCloseTag
		emit.AppendOutput(chunk)
		state.aggregate.WriteString(chunk)
	}

	emit.UpdateProgress(domain.StepSearch, domain.StepStatusCompleted, domain.FinishStop)
	return nil
}

// searchWithKeyRotation retries a single query's search call across keyPool,
// rotating up to three attempts per §4.E. An empty pool still makes the
// attempts, with no per-call key, so the search client uses its own key.
func (p *Pipeline) searchWithKeyRotation(ctx context.Context, taskID, query string, keyPool []string, maxResult int) (ports.SearchResult, error) {
	const clientKeySlot = "<search-client-key>"
	slots := keyPool
	if len(slots) == 0 {
		slots = []string{clientKeySlot}
	}
	rotator := domain.NewRotator(slots, domain.WithRounds(maxKeyRotationAttempts), domain.WithAttemptsPerRound(1), domain.WithBaseDelay(p.baseDelay))
	var lastErr error

	for calls := 0; calls < maxKeyRotationAttempts; calls++ {
		attempt, ok := rotator.Next()
		if !ok {
			break
		}
		if err := sleepRespectingContext(ctx, attempt.Delay); err != nil {
			return ports.SearchResult{}, err
		}
		apiKey := attempt.Model
		if apiKey == clientKeySlot {
			apiKey = ""
		}
		result, err := p.searchClient.Search(ctx, query, ports.SearchOptions{MaxResults: maxResult, APIKey: apiKey})
		if err != nil {
			if creditErr := p.classifyAndNotify(ctx, taskID, err); creditErr != nil {
				return ports.SearchResult{}, creditErr
			}
			rotator.RecordFailure(attempt.Model, attempt, err)
			lastErr = err
			continue
		}
		rotator.RecordSuccess(attempt.Model)
		return result, nil
	}
	return ports.SearchResult{}, fmt.Errorf("search provider exhausted all keys: %w", lastErr)
}

// summarizeLearning calls a task model to condense one query's search
// results into a single learning artifact.
func (p *Pipeline) summarizeLearning(ctx context.Context, taskID string, taskModels []string, q domain.SERPQuery, result ports.SearchResult) (string, error) {
	rotator := domain.NewRotator(taskModels, domain.WithBaseDelay(p.baseDelay))
	var lastErr error

	for {
		attempt, ok := rotator.Next()
		if !ok {
			break
		}
		if err := sleepRespectingContext(ctx, attempt.Delay); err != nil {
			return "", err
		}
		events, err := p.modelClient.Stream(ctx, attempt.Model, "", summarizePrompt(q, result))
		if err != nil {
			if creditErr := p.classifyAndNotify(ctx, taskID, err); creditErr != nil {
				return "", creditErr
			}
			rotator.RecordFailure(attempt.Model, attempt, err)
			lastErr = err
			continue
		}
		content, finishReason := drainModelStream(events)
		if finishReason == domain.FinishUnknown || finishReason == domain.FinishError || finishReason == domain.FinishBlocked || finishReason == domain.FinishContentFilter {
			rotator.RecordFailure(attempt.Model, attempt, fmt.Errorf("finish reason %q", finishReason))
			lastErr = fmt.Errorf("finish reason %q", finishReason)
			continue
		}
		rotator.RecordSuccess(attempt.Model)
		return strings.TrimSpace(content), nil
	}
	exhausted := rotator.NewExhaustedError(lastErr)
	return "", domain.NewStageFailedError(taskID, domain.StageFinalReport, "summarizing search results", exhausted)
}

// runFinalReportStage implements §4.E stage 4.
func (p *Pipeline) runFinalReportStage(ctx context.Context, taskID string, params domain.Params, models []string, state *pipelineState, emit EventEmitter) error {
	ctx, span := tracer.Start(ctx, "pipeline.final_report", trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	emit.UpdateProgress(domain.StepFinalReport, domain.StepStatusRunning, "")

	sources := dedupeSourcesByURL(state.sources)
	images := dedupeImagesByURL(state.images)

	openerEmitted := false
	result, err := p.runGeneration(ctx, taskID, domain.StageFinalReport, models, func() string {
		return finalReportPrompt(params, state.plan, state.learnings, sources)
	}, func(chunk string) {
		if !openerEmitted {
			emit.AppendOutput(finalReportOpenTag)
			openerEmitted = true
		}
		emit.AppendOutput(chunk)
		state.aggregate.WriteString(chunk)
	}, span)
	if err != nil {
		emit.UpdateProgress(domain.StepFinalReport, domain.StepStatusFailed, domain.FinishError)
		span.SetStatus(codes.Error, err.Error())
		return wrapStageErr(taskID, domain.StageFinalReport, err)
	}

	content := result.Content
	if !strings.Contains(content, "http://") && !strings.Contains(content, "https://") && params.EnableReferences {
		references := renderReferencesSection(sources, images)
		content += references
		emit.AppendOutput(references)
		state.aggregate.WriteString(references)
	}
	emit.AppendOutput(finalReportCloseTag)
	state.aggregate.WriteString(finalReportCloseTag)

	verdict := domain.Validate(domain.StageFinalReport, domain.StageOutput{
		Content:      content,
		FinishReason: result.FinishReason,
		AggregateLen: state.aggregate.Len(),
	})
	if !verdict.Accepted {
		emit.UpdateProgress(domain.StepFinalReport, domain.StepStatusFailed, domain.FinishError)
		return domain.NewStageFailedError(taskID, domain.StageFinalReport, domain.TerminalMessage(domain.StageFinalReport, verdict.Reason), fmt.Errorf("%s", verdict.Reason))
	}

	emit.UpdateProgress(domain.StepFinalReport, domain.StepStatusCompleted, result.FinishReason)
	return nil
}

// generationResult is the shared return shape for streamed, rotation-wrapped
// plan and final-report stage calls.
type generationResult struct {
	Content      string
	FinishReason domain.FinishReason
}

// runGeneration drives a single streamed, rotation-wrapped, validated
// generation — shared between the plan and final-report stages, which
// differ only in prompt, validation stage, and delimiter tags.
func (p *Pipeline) runGeneration(ctx context.Context, taskID string, stage domain.StageKind, models []string, buildPrompt func() string, onChunk func(string), span trace.Span) (generationResult, error) {
	started := time.Now()
	rotator := domain.NewRotator(models, domain.WithBaseDelay(p.baseDelay))
	var lastErr error
	attemptCount := 0

	for {
		attempt, ok := rotator.Next()
		if !ok {
			break
		}
		attemptCount++
		if err := sleepRespectingContext(ctx, attempt.Delay); err != nil {
			return generationResult{}, err
		}

		events, err := p.modelClient.Stream(ctx, attempt.Model, "", buildPrompt())
		if err != nil {
			if creditErr := p.classifyAndNotify(ctx, taskID, err); creditErr != nil {
				return generationResult{}, creditErr
			}
			rotator.RecordFailure(attempt.Model, attempt, err)
			metrics.RotationAttemptsTotal.WithLabelValues(string(stage), metrics.OutcomeFailure).Inc()
			lastErr = err
			continue
		}

		var content strings.Builder
		finishReason := domain.FinishUnknown
		for ev := range events {
			switch ev.Kind {
			case ports.ModelEventTextDelta:
				content.WriteString(ev.Text)
				onChunk(ev.Text)
			case ports.ModelEventFinish:
				finishReason = ev.FinishReason
			}
		}

		verdict := domain.Validate(stage, domain.StageOutput{Content: content.String(), FinishReason: finishReason})
		if !verdict.Accepted {
			rotator.RecordFailure(attempt.Model, attempt, fmt.Errorf("%s", verdict.Reason))
			metrics.RotationAttemptsTotal.WithLabelValues(string(stage), metrics.OutcomeFailure).Inc()
			lastErr = fmt.Errorf("%s", verdict.Reason)
			continue
		}

		rotator.RecordSuccess(attempt.Model)
		metrics.RotationAttemptsTotal.WithLabelValues(string(stage), metrics.OutcomeSuccess).Inc()
		metrics.StageLatencySeconds.WithLabelValues(string(stage), metrics.OutcomeSuccess).Observe(time.Since(started).Seconds())
		span.SetAttributes(attribute.Int("pipeline.attempt_count", attemptCount), attribute.String("pipeline.model", attempt.Model))
		return generationResult{Content: content.String(), FinishReason: finishReason}, nil
	}

	metrics.RotationExhaustedTotal.WithLabelValues(string(stage)).Inc()
	metrics.StageLatencySeconds.WithLabelValues(string(stage), metrics.OutcomeFailure).Observe(time.Since(started).Seconds())
	span.SetAttributes(attribute.Int("pipeline.attempt_count", attemptCount))
	exhausted := rotator.NewExhaustedError(lastErr)
	return generationResult{}, exhausted
}

// drainModelStream consumes a non-streaming-shaped model call (SERP queries,
// learning summaries) to completion, concatenating text deltas.
func drainModelStream(events <-chan ports.ModelEvent) (string, domain.FinishReason) {
	var content strings.Builder
	finishReason := domain.FinishUnknown
	for ev := range events {
		switch ev.Kind {
		case ports.ModelEventTextDelta:
			content.WriteString(ev.Text)
		case ports.ModelEventFinish:
			finishReason = ev.FinishReason
		}
	}
	return content.String(), finishReason
}

// classifyAndNotify implements §4.H's credit-quota escape hatch: when err
// matches the credit/quota pattern, rotation is pointless (every model or
// key behind the same account is exhausted the same way), so it returns a
// terminal ApiCreditExhausted error and fires the best-effort notification
// side-effect instead of letting the caller record a rotation failure and
// keep retrying. Returns nil for any other classification.
func (p *Pipeline) classifyAndNotify(ctx context.Context, taskID string, err error) *domain.EngineError {
	if domain.Classify(err, taskID) != domain.ClassCreditQuota {
		return nil
	}
	reason := fmt.Sprintf("API credit/quota exhausted: %v", err)
	if p.notifier != nil {
		p.notifier.SendAsync(ctx, fmt.Sprintf("task %s: %s", taskID, reason))
	}
	return domain.NewAPICreditExhaustedError(taskID, reason, err)
}

// wrapStageErr passes an already-terminal EngineError (e.g. an
// ApiCreditExhausted classification) through unchanged so its Kind survives
// to the HTTP boundary, and otherwise wraps err as a StageFailed error.
func wrapStageErr(taskID string, stage domain.StageKind, err error) error {
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		return engErr
	}
	return domain.NewStageFailedError(taskID, stage, domain.TerminalMessage(stage, err.Error()), err)
}

func sleepRespectingContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// buildKeyPool merges request-supplied and environment search API keys,
// deduped, request-first (§4.E stage 3).
func buildKeyPool(params domain.Params) []string {
	var keys []string
	if params.SearchAPIKeys != "" {
		keys = append(keys, strings.Split(params.SearchAPIKeys, ",")...)
	}
	if env := os.Getenv(searchAPIKeysEnvVar); env != "" {
		keys = append(keys, strings.Split(env, ",")...)
	}
	return domain.DedupPreserveOrder(keys)
}

func dedupeSourcesByURL(in []ports.SearchSource) []ports.SearchSource {
	seen := make(map[string]struct{}, len(in))
	out := make([]ports.SearchSource, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s.URL]; ok {
			continue
		}
		seen[s.URL] = struct{}{}
		out = append(out, s)
	}
	return out
}

func dedupeImagesByURL(in []ports.SearchImage) []ports.SearchImage {
	seen := make(map[string]struct{}, len(in))
	out := make([]ports.SearchImage, 0, len(in))
	for _, img := range in {
		if _, ok := seen[img.URL]; ok {
			continue
		}
		seen[img.URL] = struct{}{}
		out = append(out, img)
	}
	return out
}

func decodeSERPQueries(data any) []domain.SERPQuery {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}

	var asList []domain.SERPQuery
	if err := json.Unmarshal(raw, &asList); err == nil && len(asList) > 0 {
		return asList
	}

	var wrapped struct {
		Queries []domain.SERPQuery `json:"queries"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		return wrapped.Queries
	}
	return nil
}

func renderReferencesSection(sources []ports.SearchSource, images []ports.SearchImage) string {
	if len(sources) == 0 && len(images) == 0 {
		return ""
	}
	sorted := append([]ports.SearchSource(nil), sources...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Title < sorted[j].Title })

	var b strings.Builder
	b.WriteString("\n\n## References\n")
	for i, s := range sorted {
		title := s.Title
		if title == "" {
			title = s.URL
		}
		fmt.Fprintf(&b, "%d. [%s](%s)\n", i+1, title, s.URL)
	}
	return b.String()
}

func planPrompt(params domain.Params) string {
	return fmt.Sprintf("You are a research planner. Produce a detailed research plan for the query: %q. Respond in %s.", params.Query, languageOrDefault(params.Language))
}

func serpPrompt(params domain.Params, plan string, strict bool) string {
	base := fmt.Sprintf("Given this research plan:\n%s\n\nProduce a JSON array of search queries, each an object with \"query\" and \"researchGoal\" fields, in %s.", plan, languageOrDefault(params.Language))
	if strict {
		base += " Respond with ONLY strict, complete, parseable JSON — no prose, no markdown fences, no truncation."
	}
	return base
}

func summarizePrompt(q domain.SERPQuery, result ports.SearchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\nGoal: %s\n\nSources:\n", q.Query, q.ResearchGoal)
	for _, s := range result.Sources {
		fmt.Fprintf(&b, "- %s (%s): %s\n", s.Title, s.URL, truncate(s.Content, 2000))
	}
	b.WriteString("\nSummarize the key findings relevant to the research goal as a concise learning.")
	return b.String()
}

func finalReportPrompt(params domain.Params, plan string, learnings []string, sources []ports.SearchSource) string {
	learnings = trimLearningsToBudget(learnings, finalReportTokenBudget)

	var b strings.Builder
	fmt.Fprintf(&b, "Compose the final research report for: %q\n\nPlan:\n%s\n\nLearnings:\n", params.Query, plan)
	for i, l := range learnings {
		fmt.Fprintf(&b, "%d. %s\n", i+1, l)
	}
	fmt.Fprintf(&b, "\nWrap the entire report in %s and %s tags. Respond in %s.", finalReportOpenTag, finalReportCloseTag, languageOrDefault(params.Language))
	return b.String()
}

// trimLearningsToBudget keeps the most recent learnings whose combined
// token count (per the model's cl100k_base tokenizer) fits within budget,
// dropping the oldest entries first. If the tokenizer can't be loaded, all
// learnings are kept and the provider is left to enforce its own limit.
func trimLearningsToBudget(learnings []string, budget int) []string {
	if len(learnings) == 0 {
		return learnings
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return learnings
	}

	kept := make([]string, 0, len(learnings))
	total := 0
	for i := len(learnings) - 1; i >= 0; i-- {
		count := len(enc.Encode(learnings[i], nil, nil))
		if total+count > budget && len(kept) > 0 {
			break
		}
		kept = append(kept, learnings[i])
		total += count
	}
	for l, r := 0, len(kept)-1; l < r; l, r = l+1, r-1 {
		kept[l], kept[r] = kept[r], kept[l]
	}
	return kept
}

func languageOrDefault(lang string) string {
	if lang == "" {
		return "en-US"
	}
	return lang
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
