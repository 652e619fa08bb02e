package store_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/phasesearch/internal/model"
	"github.com/example/phasesearch/internal/store"
)

type opener func(t *testing.T, opts ...store.Option) store.Store

func sampleInput(user string, src model.DatabaseSource) model.JobInput {
	return model.JobInput{
		User:              user,
		ChemicalSystem:    "Y-Mo-O",
		RequiredElements:  []string{"Y", "Mo", "O"},
		ExcludeElements:   []string{"Pb"},
		Wavelength:        "Cu",
		InstrumentProfile: "Aeris-fds-Pixcel1d-Medipix3",
		Database:          model.Database{Source: src, MaxPhases: model.DefaultMaxPhases},
		PatternFilename:   "scan.xy",
		PatternPath:       "/data/uploads/abc/scan.xy",
	}
}

func ptr[T any](v T) *T { return &v }

// runStoreSuite checks the behaviour every backend must share.
func runStoreSuite(t *testing.T, open opener) {
	t.Run("create", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()
		in := sampleInput("alice", model.SourceMP)
		in.Database.MP = &model.MPParams{ExperimentalOnly: true, MaxEAboveHull: 0.05}

		id, err := s.Create(ctx, in)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		sum, err := s.GetSummary(ctx, id)
		require.NoError(t, err)
		require.Equal(t, id, sum.ID)
		require.Equal(t, "alice", sum.User)
		require.Equal(t, "scan.xy", sum.PatternFilename)
		require.Equal(t, "MP", sum.Database)
		require.Equal(t, model.JobPending, sum.Status)
		require.Zero(t, sum.NumPhases)
		require.False(t, sum.CreatedAt.IsZero())
		require.Nil(t, sum.StartedAt)
		require.Nil(t, sum.FinishedAt)
		require.Nil(t, sum.ErrorMessage)

		got, err := s.GetInput(ctx, id)
		require.NoError(t, err)
		require.Equal(t, in, got)

		detail, err := s.LoadDetail(ctx, id)
		require.NoError(t, err)
		require.Nil(t, detail)
	})

	t.Run("unknown id", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()
		_, err := s.GetSummary(ctx, "nope")
		require.ErrorIs(t, err, model.ErrNotFound)
		_, err = s.GetInput(ctx, "nope")
		require.ErrorIs(t, err, model.ErrNotFound)
		err = s.Transition(ctx, "nope", model.JobRunning, model.TransitionOptions{})
		require.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("next pending is oldest", func(t *testing.T) {
		clock := newFakeClock()
		s := open(t, store.WithClock(clock.Now))
		ctx := t.Context()

		next, err := s.NextPending(ctx)
		require.NoError(t, err)
		require.Nil(t, next)

		var ids []string
		for _, u := range []string{"a", "b", "c"} {
			id, err := s.Create(ctx, sampleInput(u, model.SourceCOD))
			require.NoError(t, err)
			ids = append(ids, id)
		}

		for _, want := range ids {
			next, err := s.NextPending(ctx)
			require.NoError(t, err)
			require.NotNil(t, next)
			require.Equal(t, want, next.ID)
			require.NoError(t, s.Transition(ctx, want, model.JobRunning, model.TransitionOptions{MarkStarted: true}))
		}
		next, err = s.NextPending(ctx)
		require.NoError(t, err)
		require.Nil(t, next)
	})

	t.Run("transitions", func(t *testing.T) {
		clock := newFakeClock()
		s := open(t, store.WithClock(clock.Now))
		ctx := t.Context()
		id, err := s.Create(ctx, sampleInput("alice", model.SourceICSD))
		require.NoError(t, err)

		err = s.Transition(ctx, id, model.JobCompleted, model.TransitionOptions{MarkFinished: true})
		require.ErrorIs(t, err, model.ErrInvalidTransition)
		err = s.Transition(ctx, id, model.JobPending, model.TransitionOptions{})
		require.ErrorIs(t, err, model.ErrInvalidTransition)

		require.NoError(t, s.Transition(ctx, id, model.JobRunning, model.TransitionOptions{MarkStarted: true}))
		running, err := s.GetSummary(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, running.StartedAt)
		require.Nil(t, running.FinishedAt)

		err = s.Transition(ctx, id, model.JobRunning, model.TransitionOptions{MarkStarted: true})
		require.ErrorIs(t, err, model.ErrInvalidTransition)

		require.NoError(t, s.Transition(ctx, id, model.JobFailed, model.TransitionOptions{
			ErrorMessage: ptr("boom"),
			MarkFinished: true,
		}))
		failed, err := s.GetSummary(ctx, id)
		require.NoError(t, err)
		require.Equal(t, model.JobFailed, failed.Status)
		require.Equal(t, "boom", *failed.ErrorMessage)
		require.Equal(t, running.StartedAt, failed.StartedAt)
		require.NotNil(t, failed.FinishedAt)
		require.False(t, failed.FinishedAt.Before(*failed.StartedAt))

		// a failed job never comes back.
		for _, to := range model.Statuses {
			err = s.Transition(ctx, id, to, model.TransitionOptions{})
			require.ErrorIs(t, err, model.ErrInvalidTransition, "FAILED -> %s", to)
		}
	})

	t.Run("claim", func(t *testing.T) {
		clock := newFakeClock()
		s := open(t, store.WithClock(clock.Now))
		ctx := t.Context()

		got, err := s.Claim(ctx)
		require.NoError(t, err)
		require.Nil(t, got)

		first, err := s.Create(ctx, sampleInput("a", model.SourceNone))
		require.NoError(t, err)
		_, err = s.Create(ctx, sampleInput("b", model.SourceNone))
		require.NoError(t, err)

		got, err = s.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, first, got.ID)
		require.Equal(t, model.JobRunning, got.Status)
		require.NotNil(t, got.StartedAt)
	})

	t.Run("claim has a single winner", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()
		const jobs = 5
		for i := range jobs {
			_, err := s.Create(ctx, sampleInput(string(rune('a'+i)), model.SourceNone))
			require.NoError(t, err)
		}

		var (
			mu      sync.Mutex
			claimed = map[string]int{}
			wg      sync.WaitGroup
		)
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					sum, err := s.Claim(ctx)
					if err != nil || sum == nil {
						return
					}
					mu.Lock()
					claimed[sum.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		require.Len(t, claimed, jobs)
		for id, n := range claimed {
			require.Equal(t, 1, n, "job %s claimed %d times", id, n)
		}
	})

	t.Run("save detail is idempotent", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()
		id, err := s.Create(ctx, sampleInput("alice", model.SourceICSD))
		require.NoError(t, err)
		_, err = s.Claim(ctx)
		require.NoError(t, err)
		require.NoError(t, s.Transition(ctx, id, model.JobCompleted, model.TransitionOptions{MarkFinished: true}))
		sum, err := s.GetSummary(ctx, id)
		require.NoError(t, err)

		diag := model.PlaceholderDiagnostics()
		detail := model.JobDetail{
			Job:         sum,
			Diagnostics: &diag,
			Solutions: []model.SolutionResult{{
				Index:     1,
				Rwp:       7.25,
				NumPhases: 2,
				Plot:      map[string]any{"data": []any{}},
				PhasesTable: model.PhaseTable{
					Columns: []string{"phase", "weight_percent"},
					Rows:    []map[string]any{{"phase": "Y2O3", "weight_percent": 60.5}},
				},
				ReportZip: "/tmp/solution_1.zip",
			}},
			Warnings: []model.Degradation{{Step: "report", Solution: 1, Message: "disk full"}},
		}
		require.NoError(t, s.SaveDetail(ctx, id, detail))
		once, err := s.LoadDetail(ctx, id)
		require.NoError(t, err)
		require.NoError(t, s.SaveDetail(ctx, id, detail))
		twice, err := s.LoadDetail(ctx, id)
		require.NoError(t, err)
		require.Equal(t, once, twice)
		require.Equal(t, 7.25, twice.Solutions[0].Rwp)
		require.Equal(t, "disk full", twice.Warnings[0].Message)

		detail.Solutions = nil
		require.NoError(t, s.SaveDetail(ctx, id, detail))
		empty, err := s.LoadDetail(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, empty.Solutions)
		require.Empty(t, empty.Solutions)
	})

	t.Run("save detail requires a finished job", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()
		id, err := s.Create(ctx, sampleInput("alice", model.SourceICSD))
		require.NoError(t, err)
		sum, err := s.GetSummary(ctx, id)
		require.NoError(t, err)

		err = s.SaveDetail(ctx, id, model.JobDetail{Job: sum})
		require.ErrorIs(t, err, model.ErrInvalidTransition)
		_, err = s.Claim(ctx)
		require.NoError(t, err)
		err = s.SaveDetail(ctx, id, model.JobDetail{Job: sum})
		require.ErrorIs(t, err, model.ErrInvalidTransition)
		detail, err := s.LoadDetail(ctx, id)
		require.NoError(t, err)
		require.Nil(t, detail)

		require.ErrorIs(t, s.SaveDetail(ctx, "missing", model.JobDetail{}), model.ErrNotFound)
	})

	t.Run("finish is atomic", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()
		id, err := s.Create(ctx, sampleInput("alice", model.SourceICSD))
		require.NoError(t, err)

		build := func(sum model.JobSummary) model.JobDetail {
			return model.JobDetail{Job: sum, Solutions: []model.SolutionResult{}}
		}
		// PENDING cannot finish, and no detail is written.
		_, err = s.Finish(ctx, id, model.JobCompleted, model.TransitionOptions{MarkFinished: true}, build)
		require.ErrorIs(t, err, model.ErrInvalidTransition)
		detail, err := s.LoadDetail(ctx, id)
		require.NoError(t, err)
		require.Nil(t, detail)

		_, err = s.Finish(ctx, id, model.JobRunning, model.TransitionOptions{}, build)
		require.ErrorIs(t, err, model.ErrInvalidTransition)

		require.NoError(t, s.Transition(ctx, id, model.JobRunning, model.TransitionOptions{MarkStarted: true}))
		got, err := s.Finish(ctx, id, model.JobCompleted, model.TransitionOptions{
			NumPhases:    ptr(42),
			MarkFinished: true,
		}, build)
		require.NoError(t, err)
		require.Equal(t, model.JobCompleted, got.Job.Status)
		require.Equal(t, 42, got.Job.NumPhases)
		require.NotNil(t, got.Job.FinishedAt)

		stored, err := s.LoadDetail(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, stored)
		sum, err := s.GetSummary(ctx, id)
		require.NoError(t, err)
		require.Equal(t, sum.Status, stored.Job.Status)
		require.Equal(t, sum.NumPhases, stored.Job.NumPhases)
	})

	t.Run("list", func(t *testing.T) {
		clock := newFakeClock()
		s := open(t, store.WithClock(clock.Now))
		ctx := t.Context()

		var ids []string
		for _, u := range []string{"Alice", "bob", "alice.smith", "carol"} {
			id, err := s.Create(ctx, sampleInput(u, model.SourceCOD))
			require.NoError(t, err)
			ids = append(ids, id)
		}
		require.NoError(t, s.Transition(ctx, ids[1], model.JobRunning, model.TransitionOptions{MarkStarted: true}))

		all, total, err := s.ListSummaries(ctx, model.ListFilter{})
		require.NoError(t, err)
		require.Equal(t, 4, total)
		require.Len(t, all, 4)
		for i, sum := range all {
			require.Equal(t, ids[i], sum.ID)
		}

		alices, total, err := s.ListSummaries(ctx, model.ListFilter{User: "ALICE"})
		require.NoError(t, err)
		require.Equal(t, 2, total)
		require.Equal(t, ids[0], alices[0].ID)
		require.Equal(t, ids[2], alices[1].ID)

		pending := model.JobPending
		page, total, err := s.ListSummaries(ctx, model.ListFilter{Status: &pending, Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Equal(t, 3, total)
		require.Len(t, page, 1)
		require.Equal(t, ids[2], page[0].ID)

		page, total, err = s.ListSummaries(ctx, model.ListFilter{Offset: 10})
		require.NoError(t, err)
		require.Equal(t, 4, total)
		require.NotNil(t, page)
		require.Empty(t, page)
	})

	t.Run("count by status", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()
		counts, err := s.CountByStatus(ctx)
		require.NoError(t, err)
		require.Len(t, counts, len(model.Statuses))
		for _, st := range model.Statuses {
			require.Zero(t, counts[st])
		}

		a, err := s.Create(ctx, sampleInput("a", model.SourceNone))
		require.NoError(t, err)
		_, err = s.Create(ctx, sampleInput("b", model.SourceNone))
		require.NoError(t, err)
		require.NoError(t, s.Transition(ctx, a, model.JobRunning, model.TransitionOptions{}))

		counts, err = s.CountByStatus(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, counts[model.JobPending])
		require.Equal(t, 1, counts[model.JobRunning])
		require.Zero(t, counts[model.JobFailed])
	})

	t.Run("transition error wraps", func(t *testing.T) {
		s := open(t)
		ctx := t.Context()
		id, err := s.Create(ctx, sampleInput("a", model.SourceNone))
		require.NoError(t, err)
		err = s.Transition(ctx, id, model.JobFailed, model.TransitionOptions{})
		require.True(t, errors.Is(err, model.ErrInvalidTransition))
		require.ErrorContains(t, err, string(model.JobPending))
	})
}
