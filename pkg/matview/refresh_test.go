package matview

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivedflow/dflow/pkg/block"
	"github.com/derivedflow/dflow/pkg/catalog"
	"github.com/derivedflow/dflow/pkg/clickhouse"
	"github.com/derivedflow/dflow/pkg/scheduler"
)

func newRefreshController(t *testing.T, fc *fakeClient) *Controller {
	t.Helper()

	fc.createStmt = "CREATE TABLE `db`.`mv` (x UInt64) ENGINE = MergeTree ORDER BY x"

	targetID := catalog.StorageID{Database: "db", Table: "mv"}
	cat := catalog.New()
	sourceID := catalog.StorageID{Database: "db", Table: "source"}
	require.NoError(t, cat.Register(&fakeStorage{id: sourceID}))
	require.NoError(t, cat.Register(&fakeStorage{id: targetID, shape: block.Shape{{Name: "x", Type: "UInt64"}}}))

	ctrl, err := New(context.Background(), logrus.New(), cat, clickhouse.NewDDL(fc), Config{
		ViewID:    catalog.StorageID{Database: "db", Table: "mv_view", UUID: "abc123"},
		TargetID:  targetID,
		SourceID:  sourceID,
		SelectSQL: "SELECT x FROM db.source",
	})
	require.NoError(t, err)

	return ctrl
}

// TestController_RefreshIssuesExactlyOneRenameExchange guards Open Question
// #2: the refresh protocol swaps the tmp and target tables with a single
// RENAME ... EXCHANGE statement, not two.
func TestController_RefreshIssuesExactlyOneRenameExchange(t *testing.T) {
	fc := &fakeClient{}
	ctrl := newRefreshController(t, fc)

	require.NoError(t, ctrl.Refresh(context.Background()))

	renameCount := 0

	for _, q := range fc.queries {
		if strings.Contains(q, "EXCHANGE") {
			renameCount++
		}
	}

	assert.Equal(t, 1, renameCount, "refresh must issue exactly one rename exchange statement")
	assert.False(t, ctrl.lastRefreshAt.IsZero())
}

func TestController_RefreshStepOrder(t *testing.T) {
	fc := &fakeClient{}
	ctrl := newRefreshController(t, fc)

	require.NoError(t, ctrl.Refresh(context.Background()))

	require.Len(t, fc.queries, 4)
	assert.Contains(t, fc.queries[0], "CREATE TABLE")
	assert.Contains(t, fc.queries[1], "INSERT INTO")
	assert.Contains(t, fc.queries[2], "EXCHANGE")
	assert.Contains(t, fc.queries[3], "DROP TABLE")
	assert.NotContains(t, fc.queries[3], "IF EXISTS")
}

// TestController_RefreshCleansUpTmpOnInsertFailure covers the case where an
// error occurs after the tmp table exists but before the exchange: Refresh
// must drop the tmp table, then return the error, leaving the view serving
// the old target.
func TestController_RefreshCleansUpTmpOnInsertFailure(t *testing.T) {
	failInsert := errors.New("insert failed")
	fc := &fakeClient{failOn: map[int]error{1: failInsert}}
	ctrl := newRefreshController(t, fc)

	err := ctrl.Refresh(context.Background())
	require.ErrorIs(t, err, failInsert)

	require.Len(t, fc.queries, 3)
	assert.Contains(t, fc.queries[0], "CREATE TABLE")
	assert.Contains(t, fc.queries[1], "INSERT INTO")
	assert.Contains(t, fc.queries[2], "DROP TABLE IF EXISTS")
	assert.True(t, ctrl.lastRefreshAt.IsZero(), "a failed refresh must not stamp last_refresh_at")
}

func TestController_RefreshNoCleanupOnCreateFailure(t *testing.T) {
	failCreate := errors.New("create failed")
	fc := &fakeClient{failOn: map[int]error{0: failCreate}}
	ctrl := newRefreshController(t, fc)

	err := ctrl.Refresh(context.Background())
	require.ErrorIs(t, err, failCreate)
	require.Len(t, fc.queries, 1, "no cleanup drop when the tmp table was never created")
}

func newPeriodicRefreshController(t *testing.T, fc *fakeClient, period time.Duration) *Controller {
	t.Helper()

	fc.createStmt = "CREATE TABLE `db`.`mv` (x UInt64) ENGINE = MergeTree ORDER BY x"

	targetID := catalog.StorageID{Database: "db", Table: "mv"}
	cat := catalog.New()
	sourceID := catalog.StorageID{Database: "db", Table: "source"}
	require.NoError(t, cat.Register(&fakeStorage{id: sourceID}))
	require.NoError(t, cat.Register(&fakeStorage{id: targetID, shape: block.Shape{{Name: "x", Type: "UInt64"}}}))

	ctrl, err := New(context.Background(), logrus.New(), cat, clickhouse.NewDDL(fc), Config{
		ViewID:          catalog.StorageID{Database: "db", Table: "mv_view", UUID: "abc123"},
		TargetID:        targetID,
		SourceID:        sourceID,
		SelectSQL:       "SELECT x FROM db.source",
		PeriodicRefresh: period,
	})
	require.NoError(t, err)

	return ctrl
}

// TestController_StartupArmsAndFiresImmediately guards the inactive → armed
// transition: a view constructed with PeriodicRefresh > 0 gets a task that
// fires once on Startup without waiting out a full period.
func TestController_StartupArmsAndFiresImmediately(t *testing.T) {
	fc := &fakeClient{}
	ctrl := newPeriodicRefreshController(t, fc, time.Hour)
	pool := scheduler.NewPool(logrus.New(), nil)

	ctrl.Startup(pool)
	defer ctrl.Shutdown()

	require.Eventually(t, func() bool {
		return !ctrl.Status().LastRefreshAt.IsZero()
	}, time.Second, time.Millisecond, "startup must schedule an immediate refresh")
}

// TestController_StartupWithoutPeriodIsNoop guards the on-demand-only mode:
// a view with PeriodicRefresh == 0 never arms a task, so Startup must not
// panic and Shutdown on an unarmed controller must be safe.
func TestController_StartupWithoutPeriodIsNoop(t *testing.T) {
	fc := &fakeClient{}
	ctrl := newPeriodicRefreshController(t, fc, 0)
	pool := scheduler.NewPool(logrus.New(), nil)

	ctrl.Startup(pool)
	ctrl.Shutdown()

	assert.Nil(t, ctrl.task)
	assert.Empty(t, fc.queries)
}

// TestController_ShutdownStopsFurtherTicks guards the armed → inactive
// transition: once Shutdown has deactivated the task, a tick already queued
// to fire must not perform another refresh.
func TestController_ShutdownStopsFurtherTicks(t *testing.T) {
	fc := &fakeClient{}
	ctrl := newPeriodicRefreshController(t, fc, time.Hour)
	pool := scheduler.NewPool(logrus.New(), nil)

	ctrl.Startup(pool)

	require.Eventually(t, func() bool {
		return !ctrl.Status().LastRefreshAt.IsZero()
	}, time.Second, time.Millisecond)

	ctrl.Shutdown()
	queriesAfterFirstRefresh := len(fc.queries)

	// ScheduleAfter on a deactivated task is a no-op: Shutdown must leave no
	// path back into periodicTick firing again.
	ctrl.task.ScheduleAfter(0)

	time.Sleep(10 * time.Millisecond)
	assert.Len(t, fc.queries, queriesAfterFirstRefresh, "a deactivated task must not fire again")
}

// TestController_PeriodicTickSkipsBeforePeriodElapses guards the refresh
// gate: periodicTick only re-runs the refresh once the period has elapsed
// since the last one, not on every invocation.
func TestController_PeriodicTickSkipsBeforePeriodElapses(t *testing.T) {
	fc := &fakeClient{}
	ctrl := newPeriodicRefreshController(t, fc, time.Hour)
	ctrl.lastRefreshAt = time.Now()

	ctrl.periodicTick()

	assert.Empty(t, fc.queries, "a tick before the period elapses must not refresh")
}

// TestController_PeriodicTickRefreshesAfterPeriodElapses is the companion
// case: once the period has elapsed, a tick refreshes and stamps a fresh
// last_refresh_at.
func TestController_PeriodicTickRefreshesAfterPeriodElapses(t *testing.T) {
	fc := &fakeClient{}
	ctrl := newPeriodicRefreshController(t, fc, time.Millisecond)
	ctrl.lastRefreshAt = time.Now().Add(-time.Hour)

	ctrl.periodicTick()

	assert.Len(t, fc.queries, 4, "an elapsed tick must run the full refresh protocol")
	assert.WithinDuration(t, time.Now(), ctrl.lastRefreshAt, time.Second)
}
