package storage_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillworks/quill/internal/model"
	"github.com/quillworks/quill/internal/storage"
	"github.com/quillworks/quill/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	db, err := tc.NewTestDB(context.Background(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test db: %v\n", err)
		os.Exit(1)
	}
	testDB = db

	code := m.Run()

	testDB.Close()
	os.Exit(code)
}

func TestBalanceCreatesAccountLazily(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	balance, err := testDB.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, balance)
}

func TestDeductAndAdd(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	balance, err := testDB.Add(ctx, userID, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, balance)

	balance, err = testDB.Deduct(ctx, userID, 0.7)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, balance, 1e-9)

	balance, err = testDB.Add(ctx, userID, 0.7)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, balance, 1e-9)
}

func TestDeductInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	_, err := testDB.Add(ctx, userID, 0.5)
	require.NoError(t, err)

	_, err = testDB.Deduct(ctx, userID, 0.7)
	assert.ErrorIs(t, err, storage.ErrInsufficientCredits)

	// Failed deduct must not touch the balance.
	balance, err := testDB.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 0.5, balance)
}

func TestDeductMissingAccount(t *testing.T) {
	ctx := context.Background()

	_, err := testDB.Deduct(ctx, uuid.New(), 0.1)
	assert.ErrorIs(t, err, storage.ErrInsufficientCredits)
}

func TestCreateJobReplacesActive(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	first, err := testDB.CreateJob(ctx, userID, "river pollution", "Jo Hill MP", model.ToneFormal)
	require.NoError(t, err)
	assert.True(t, first.Active)

	second, err := testDB.CreateJob(ctx, userID, "bus funding", "Jo Hill MP", model.ToneUrgent)
	require.NoError(t, err)

	active, err := testDB.ActiveJob(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
	assert.Equal(t, "bus funding", active.Topic)
}

func TestActiveJobNotFound(t *testing.T) {
	ctx := context.Background()

	_, err := testDB.ActiveJob(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpsertActiveJobPartialPatch(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	_, err := testDB.CreateJob(ctx, userID, "library closures", "A. Member", model.TonePersonal)
	require.NoError(t, err)

	research := "Libraries in the area closed at twice the national rate."
	running := model.PipelineRunning
	job, err := testDB.UpsertActiveJob(ctx, userID, model.JobPatch{
		Research:       &research,
		ResearchStatus: &running,
	})
	require.NoError(t, err)
	assert.Equal(t, research, job.Research)
	assert.Equal(t, model.PipelineRunning, job.ResearchStatus)
	// Untouched fields survive.
	assert.Equal(t, "library closures", job.Topic)
	assert.Equal(t, model.TonePersonal, job.Tone)
	assert.Equal(t, model.PipelineIdle, job.LetterStatus)
}

func TestUpsertActiveJobNoActive(t *testing.T) {
	ctx := context.Background()

	letter := "Dear..."
	_, err := testDB.UpsertActiveJob(ctx, uuid.New(), model.JobPatch{Letter: &letter})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
