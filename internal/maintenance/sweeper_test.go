package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePurger struct {
	calls  atomic.Int32
	purged int
	err    error
}

func (f *fakePurger) ClearExpired(ctx context.Context) (int, error) {
	f.calls.Add(1)
	if _, ok := ctx.Deadline(); !ok {
		return 0, errors.New("sweep must run with a deadline")
	}
	return f.purged, f.err
}

func TestSweeperRunOnceRecordsResult(t *testing.T) {
	logger, hook := test.NewNullLogger()
	purger := &fakePurger{purged: 3}

	sweeper, err := NewSweeper(purger, "@every 1h", time.Second, logger)
	require.NoError(t, err)

	result := sweeper.RunOnce(context.Background())
	assert.Equal(t, 3, result.Purged)
	assert.Empty(t, result.Error)
	assert.Equal(t, result, sweeper.LastRun())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "scheduled_sweep", hook.LastEntry().Data["action"])
}

func TestSweeperRunOnceReportsError(t *testing.T) {
	logger, hook := test.NewNullLogger()
	purger := &fakePurger{err: errors.New("disk gone")}

	sweeper, err := NewSweeper(purger, "@every 1h", time.Second, logger)
	require.NoError(t, err)

	result := sweeper.RunOnce(context.Background())
	assert.Equal(t, "disk gone", result.Error)
	assert.Equal(t, "scheduled sweep failed", hook.LastEntry().Message)
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	logger, _ := test.NewNullLogger()
	_, err := NewSweeper(&fakePurger{}, "whenever", time.Second, logger)
	assert.Error(t, err)
}

func TestSweeperRunsOnSchedule(t *testing.T) {
	logger, _ := test.NewNullLogger()
	purger := &fakePurger{}

	sweeper, err := NewSweeper(purger, "@every 1s", time.Second, logger)
	require.NoError(t, err)
	sweeper.Start()
	defer sweeper.Stop(context.Background())

	assert.Eventually(t, func() bool {
		return purger.calls.Load() > 0
	}, 3*time.Second, 50*time.Millisecond)
}
