package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBuild() *Build {
	builder := NewBuilder(NewRepoID(), "unit-tests", 0)
	return NewBuild(NewBuildSetID(), builder.RepoID, 1, "main", "abc123", builder, "main")
}

func TestUpsertStepAppendsNewStep(t *testing.T) {
	b := testBuild()
	step := NewBuildStep(0, "compile", "make")
	b.UpsertStep(step)

	require.Len(t, b.Steps, 1)
	assert.Equal(t, step.ID, b.Steps[0].ID)
}

func TestUpsertStepMergesFields(t *testing.T) {
	b := testBuild()
	step := NewBuildStep(0, "compile", "make")
	step.Output = "compiling\n"
	b.UpsertStep(step)

	incoming := &BuildStep{ID: step.ID, Status: StatusSuccess, Output: "compiling\ndone\n"}
	b.UpsertStep(incoming)

	merged := b.FindStep(step.ID)
	require.NotNil(t, merged)
	assert.Equal(t, StatusSuccess, merged.Status)
	assert.Equal(t, ResourceName("compile"), merged.Name)
	assert.Equal(t, "make", merged.Command)
	assert.Equal(t, "compiling\ndone\n", merged.Output)
}

func TestUpsertStepExceptionPrependsStoredOutput(t *testing.T) {
	b := testBuild()
	step := NewBuildStep(0, "compile", "make")
	step.Output = "partial output\n"
	b.UpsertStep(step)

	incoming := &BuildStep{ID: step.ID, Status: StatusException, Output: "traceback\n"}
	b.UpsertStep(incoming)

	merged := b.FindStep(step.ID)
	require.NotNil(t, merged)
	assert.Equal(t, "partial output\ntraceback\n", merged.Output)
}

func TestSetUnknownException(t *testing.T) {
	b := testBuild()
	b.SetUnknownException("boom: stack trace")

	assert.Equal(t, StatusException, b.Status)
	require.NotNil(t, b.StartedAt)
	require.NotNil(t, b.FinishedAt)
	require.NotNil(t, b.TotalTime)
	require.Len(t, b.Steps, 1)
	assert.Equal(t, StatusException, b.Steps[0].Status)
	assert.Equal(t, "boom: stack trace", b.Steps[0].Output)
}

func TestOutputConcatenatesSteps(t *testing.T) {
	b := testBuild()
	one := NewBuildStep(0, "compile", "make")
	one.Output = "ok\n"
	two := NewBuildStep(1, "test", "make test")
	two.Output = "all pass\n"
	b.UpsertStep(one)
	b.UpsertStep(two)

	assert.Equal(t, "make\nok\nmake test\nall pass\n", b.Output())
}

func TestCanCancel(t *testing.T) {
	b := testBuild()
	for _, s := range []Status{StatusPending, StatusRunning} {
		b.Status = s
		assert.True(t, b.CanCancel(), s)
	}
	for _, s := range []Status{StatusPreparing, StatusFail, StatusSuccess, StatusException, StatusWarning, StatusCancelled} {
		b.Status = s
		assert.False(t, b.CanCancel(), s)
	}
}
