package progress

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/bid-assistant/internal/apperr"
	"github.com/jonathan/bid-assistant/internal/db"
	"github.com/jonathan/bid-assistant/internal/steps"
)

func setup(t *testing.T) (*Service, db.Store, string) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, db.DriverSQLite, filepath.Join(t.TempDir(), "bid.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)

	projectID := uuid.New().String()
	_, err = store.CreateProject(ctx, &db.ProjectInput{
		ID: projectID, Name: "test", ProjectPath: t.TempDir(), CurrentStep: steps.First().Key,
	})
	require.NoError(t, err)
	return NewService(store), store, projectID
}

func TestGetProgress_MaterializesDefaults(t *testing.T) {
	svc, _, projectID := setup(t)

	snap, err := svc.GetProgress(context.Background(), projectID)
	require.NoError(t, err)

	require.Len(t, snap.Steps, 8)
	for i, st := range steps.List() {
		assert.Equal(t, st.Key, snap.Steps[i].StepKey)
		assert.Equal(t, st.Name, snap.Steps[i].StepName)
		assert.Equal(t, db.StepStatusPending, snap.Steps[i].Status)
		assert.Equal(t, 0, snap.Steps[i].Progress)
	}
	assert.Equal(t, steps.ServiceMode, snap.CurrentStep)
	require.NotNil(t, snap.NextStep)
	assert.Equal(t, steps.ServiceMode, *snap.NextStep)
	assert.Equal(t, 0.0, snap.TotalProgress)
}

func TestGetProgress_UnknownProject(t *testing.T) {
	svc, _, _ := setup(t)

	_, err := svc.GetProgress(context.Background(), uuid.New().String())
	var nf *apperr.ErrNotFound
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "project", nf.Resource)
}

func TestGetProgress_TotalIsRoundedMean(t *testing.T) {
	svc, _, projectID := setup(t)
	ctx := context.Background()

	_, err := svc.UpdateStepProgress(ctx, Update{ProjectID: projectID, StepKey: steps.ServiceMode, Status: db.StepStatusCompleted, Progress: 100})
	require.NoError(t, err)
	_, err = svc.UpdateStepProgress(ctx, Update{ProjectID: projectID, StepKey: steps.BidAnalysis, Status: db.StepStatusInProgress, Progress: 33})
	require.NoError(t, err)

	snap, err := svc.GetProgress(ctx, projectID)
	require.NoError(t, err)
	// (100 + 33) / 8 = 16.625
	assert.Equal(t, 16.6, snap.TotalProgress)
	assert.Equal(t, steps.BidAnalysis, snap.CurrentStep)
	require.NotNil(t, snap.NextStep)
	assert.Equal(t, steps.BidAnalysis, *snap.NextStep)
}

func TestUpdateStepProgress_Validation(t *testing.T) {
	svc, _, projectID := setup(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		u     Update
		field string
	}{
		{"unknown step", Update{ProjectID: projectID, StepKey: "nope", Status: db.StepStatusPending}, "step_key"},
		{"bad status", Update{ProjectID: projectID, StepKey: steps.ServiceMode, Status: "done"}, "status"},
		{"progress too high", Update{ProjectID: projectID, StepKey: steps.ServiceMode, Status: db.StepStatusInProgress, Progress: 101}, "progress"},
		{"negative progress", Update{ProjectID: projectID, StepKey: steps.ServiceMode, Status: db.StepStatusInProgress, Progress: -1}, "progress"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.UpdateStepProgress(ctx, tt.u)
			var ve *apperr.ErrValidation
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestUpdateStepProgress_StatusProgressCoupling(t *testing.T) {
	svc, _, projectID := setup(t)
	ctx := context.Background()

	row, err := svc.UpdateStepProgress(ctx, Update{ProjectID: projectID, StepKey: steps.FormatConfig, Status: db.StepStatusCompleted, Progress: 20})
	require.NoError(t, err)
	assert.Equal(t, 100, row.Progress)
	assert.NotNil(t, row.CompletedAt)
	assert.NotNil(t, row.StartedAt)

	row, err = svc.UpdateStepProgress(ctx, Update{ProjectID: projectID, StepKey: steps.BidAnalysis, Status: db.StepStatusError, Progress: 100, ErrorMessage: "bad file"})
	require.NoError(t, err)
	assert.Equal(t, 99, row.Progress)
	assert.Nil(t, row.CompletedAt)
	require.NotNil(t, row.ErrorMessage)
	assert.Equal(t, "bad file", *row.ErrorMessage)

	row, err = svc.UpdateStepProgress(ctx, Update{ProjectID: projectID, StepKey: steps.ContentGeneration, Status: db.StepStatusPending, Progress: 60})
	require.NoError(t, err)
	assert.Equal(t, 0, row.Progress)
	assert.Nil(t, row.StartedAt)
}

func TestUpdateStepProgress_StartedAtPreserved(t *testing.T) {
	svc, _, projectID := setup(t)
	ctx := context.Background()

	first, err := svc.UpdateStepProgress(ctx, Update{ProjectID: projectID, StepKey: steps.BidAnalysis, Status: db.StepStatusInProgress, Progress: 10})
	require.NoError(t, err)
	require.NotNil(t, first.StartedAt)

	second, err := svc.UpdateStepProgress(ctx, Update{ProjectID: projectID, StepKey: steps.BidAnalysis, Status: db.StepStatusInProgress, Progress: 50})
	require.NoError(t, err)
	assert.True(t, first.StartedAt.Equal(*second.StartedAt))
}

func TestAdvance_OnlyMovesForward(t *testing.T) {
	svc, store, projectID := setup(t)
	ctx := context.Background()

	_, err := svc.UpdateStepProgress(ctx, Update{ProjectID: projectID, StepKey: steps.FrameworkGeneration, Status: db.StepStatusCompleted})
	require.NoError(t, err)

	project, err := store.GetProject(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, steps.ContentGeneration, project.CurrentStep)

	// Completing an earlier step must not rewind current_step
	_, err = svc.UpdateStepProgress(ctx, Update{ProjectID: projectID, StepKey: steps.ServiceMode, Status: db.StepStatusCompleted})
	require.NoError(t, err)

	project, err = store.GetProject(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, steps.ContentGeneration, project.CurrentStep)
}

func TestAdvance_LastStepCompletesProject(t *testing.T) {
	svc, store, projectID := setup(t)
	ctx := context.Background()

	_, err := svc.UpdateStepProgress(ctx, Update{ProjectID: projectID, StepKey: steps.DocumentExport, Status: db.StepStatusCompleted})
	require.NoError(t, err)

	project, err := store.GetProject(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, db.ProjectStatusCompleted, project.Status)
}

func TestResetProject_PreservesTaskHistory(t *testing.T) {
	svc, store, projectID := setup(t)
	ctx := context.Background()

	for _, key := range []string{steps.ServiceMode, steps.BidAnalysis, steps.FileFormatting} {
		_, err := svc.UpdateStepProgress(ctx, Update{ProjectID: projectID, StepKey: key, Status: db.StepStatusCompleted})
		require.NoError(t, err)
	}
	_, err := store.InsertTask(ctx, &db.TaskRecord{TaskID: "t1", ProjectID: projectID, StepKey: steps.ServiceMode, Status: db.StepStatusCompleted})
	require.NoError(t, err)

	snap, err := svc.ResetProject(ctx, projectID)
	require.NoError(t, err)

	assert.Equal(t, steps.ServiceMode, snap.CurrentStep)
	assert.Equal(t, 0.0, snap.TotalProgress)
	for _, row := range snap.Steps {
		assert.Equal(t, db.StepStatusPending, row.Status)
		assert.Equal(t, 0, row.Progress)
		assert.Nil(t, row.StartedAt)
		assert.Nil(t, row.CompletedAt)
	}

	history, err := store.ListTaskHistory(ctx, projectID, steps.ServiceMode, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestEnsureDefaults_Concurrent(t *testing.T) {
	svc, store, projectID := setup(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.EnsureDefaults(ctx, projectID))
		}()
	}
	wg.Wait()

	rows, err := store.ListStepProgress(ctx, projectID)
	require.NoError(t, err)
	assert.Len(t, rows, 8)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, 100, Normalize(db.StepStatusCompleted, 0))
	assert.Equal(t, 0, Normalize(db.StepStatusPending, 70))
	assert.Equal(t, 99, Normalize(db.StepStatusInProgress, 100))
	assert.Equal(t, 45, Normalize(db.StepStatusCancelled, 45))
}
