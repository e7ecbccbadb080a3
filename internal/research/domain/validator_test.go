package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate_RejectsUnknownFinishReasonRegardlessOfStage(t *testing.T) {
	result := Validate(StagePlan, StageOutput{Content: strings.Repeat("x", 100), FinishReason: FinishUnknown})
	assert.False(t, result.Accepted)
	assert.Contains(t, result.Reason, "unknown")
}

func TestValidate_RejectsBlockedAndContentFilterFinishes(t *testing.T) {
	for _, fr := range []FinishReason{FinishBlocked, FinishContentFilter, FinishError} {
		result := Validate(StagePlan, StageOutput{Content: strings.Repeat("x", 100), FinishReason: fr})
		assert.False(t, result.Accepted, "finish reason %q should be rejected", fr)
	}
}

func TestValidate_PlanRequiresMinimumLength(t *testing.T) {
	short := Validate(StagePlan, StageOutput{Content: "too short", FinishReason: FinishStop})
	assert.False(t, short.Accepted)

	long := Validate(StagePlan, StageOutput{Content: strings.Repeat("x", 50), FinishReason: FinishStop})
	assert.True(t, long.Accepted)
}

func TestValidate_SERPRequiresNonEmptyQueries(t *testing.T) {
	empty := Validate(StageSERPQueries, StageOutput{FinishReason: FinishStop})
	assert.False(t, empty.Accepted)

	blankQuery := Validate(StageSERPQueries, StageOutput{
		FinishReason: FinishStop,
		Queries:      []SERPQuery{{Query: "  ", ResearchGoal: "goal"}},
	})
	assert.False(t, blankQuery.Accepted)

	ok := Validate(StageSERPQueries, StageOutput{
		FinishReason: FinishStop,
		Queries:      []SERPQuery{{Query: "golang channels", ResearchGoal: "goal"}},
	})
	assert.True(t, ok.Accepted)
}

func TestValidate_FinalReportRequiresLengthTagsAndAggregate(t *testing.T) {
	body := strings.Repeat("x", 500)

	missingTags := Validate(StageFinalReport, StageOutput{
		Content: body, FinishReason: FinishStop, AggregateLen: 1000,
	})
	assert.False(t, missingTags.Accepted)

	tagged := finalReportOpenTag + body + finalReportCloseTag
	shortAggregate := Validate(StageFinalReport, StageOutput{
		Content: tagged, FinishReason: FinishStop, AggregateLen: 10,
	})
	assert.False(t, shortAggregate.Accepted)

	ok := Validate(StageFinalReport, StageOutput{
		Content: tagged, FinishReason: FinishStop, AggregateLen: 1000,
	})
	assert.True(t, ok.Accepted)
}

func TestTerminalMessage_IncludesReasonWhenPresent(t *testing.T) {
	msg := TerminalMessage(StagePlan, "model rotation exhausted")
	assert.Contains(t, msg, "generating the research plan")
	assert.Contains(t, msg, "model rotation exhausted")
}

func TestTerminalMessage_OmitsColonWhenReasonEmpty(t *testing.T) {
	msg := TerminalMessage(StageFinalReport, "")
	assert.Equal(t, "The task failed while composing the final report.", msg)
}
