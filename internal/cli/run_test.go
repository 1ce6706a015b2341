package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fulfil/internal/engine"
	"github.com/roach88/fulfil/internal/fulfillment"
	"github.com/roach88/fulfil/internal/ir"
	"github.com/roach88/fulfil/internal/store"
	"github.com/roach88/fulfil/internal/testutil"
)

// runFixture runs orders through runOrders with a scripted delivery
// service and a fake sleeper.
type runFixture struct {
	dir     string
	db      string
	sleeper *testutil.FakeSleeper
	polls   atomic.Int64
	status  func(call int64) int
}

func newRunFixture(t *testing.T) *runFixture {
	dir := t.TempDir()
	return &runFixture{
		dir:     dir,
		db:      filepath.Join(dir, "fulfil.db"),
		sleeper: testutil.NewFakeSleeper(),
		status:  func(int64) int { return 200 },
	}
}

func (f *runFixture) run(t *testing.T, format string, runIDs []string, files ...string) (string, error) {
	t.Helper()
	opts := &RunOptions{
		RootOptions: &RootOptions{Format: format},
		Database:    f.db,
		Parallel:    2,
		Sleeper:     f.sleeper,
		RunIDs:      engine.NewFixedGenerator(runIDs...),
		Drivers: fulfillment.DriverFinderFunc(func(context.Context, string) (int, string, error) {
			return f.status(f.polls.Add(1)), "DoorDash", nil
		}),
	}
	buf := &bytes.Buffer{}
	cmd := NewRunCommand(opts.RootOptions)
	cmd.SetOut(buf)
	err := runOrders(opts, files, cmd)
	return buf.String(), err
}

func (f *runFixture) store(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(f.db)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRun_SampleOrder(t *testing.T) {
	f := newRunFixture(t)
	f.status = func(call int64) int {
		if call < 3 {
			return 404
		}
		return 200
	}
	order := writeOrder(t, f.dir, "order.yaml", fulfillment.SampleOrder())

	out, err := f.run(t, "text", []string{"run-1"}, order)
	require.NoError(t, err)

	assert.Contains(t, out, "✓ Z1238 SUCCESS confirmation=AB9923 amount=3500 delivery=DoorDash run=run-1")
	assert.Contains(t, out, "1 fulfilled, 0 failed, 1 total")

	st := f.store(t)
	ctx := context.Background()
	run, err := st.ReadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, ir.RunStatusSucceeded, run.Status)
	assert.Equal(t, "Z1238", run.Key)

	_, found, err := st.LoadProgress(ctx, "Z1238/poll-delivery-driver")
	require.NoError(t, err)
	assert.False(t, found, "progress is cleared after a successful delivery")

	events, err := st.ReadEvents(ctx, "run-1")
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, ir.EventPipelineSucceeded, events[len(events)-1].Kind)
}

func TestRun_FailedOrderExitsWithFailure(t *testing.T) {
	f := newRunFixture(t)
	bad := fulfillment.SampleOrder()
	bad.OrderNumber = "B0001"
	bad.Customer.CreditCardNumber = "1234"
	good := fulfillment.SampleOrder()

	out, err := f.run(t, "text", []string{"run-bad", "run-good"},
		writeOrder(t, f.dir, "bad.yaml", bad),
		writeOrder(t, f.dir, "good.yaml", good))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	assert.Contains(t, out, "✗ B0001 failed [InvalidCard]")
	assert.Contains(t, out, "✓ Z1238")
	assert.Contains(t, out, "1 fulfilled, 1 failed, 2 total")

	run, err := f.store(t).ReadRun(context.Background(), "run-bad")
	require.NoError(t, err)
	assert.Equal(t, ir.RunStatusFailed, run.Status)
	assert.Equal(t, fulfillment.CodeInvalidCard, run.ErrorCode)
}

func TestRun_JSONOutput(t *testing.T) {
	f := newRunFixture(t)
	f.status = func(int64) int { return 403 }
	order := writeOrder(t, f.dir, "order.yaml", fulfillment.SampleOrder())

	out, err := f.run(t, "json", []string{"run-1"}, order)
	require.Error(t, err)

	var resp struct {
		Status string         `json:"status"`
		Data   []OrderOutcome `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 1)
	outcome := resp.Data[0]
	assert.Equal(t, ir.RunStatusFailed, outcome.Status)
	assert.Equal(t, fulfillment.CodeDriverServiceRejected, outcome.ErrorCode)
	assert.Equal(t, []string{fulfillment.StepSendBill, fulfillment.StepUpdateInventory}, outcome.Compensated)
}

func TestRun_MissingOrderFile(t *testing.T) {
	f := newRunFixture(t)

	_, err := f.run(t, "text", []string{"run-1"}, filepath.Join(f.dir, "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRun_InvalidParallel(t *testing.T) {
	_, err := execute(t, "run", "--parallel", "0", "order.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTraceAndProgress(t *testing.T) {
	f := newRunFixture(t)
	f.status = func(call int64) int {
		if call == 1 {
			return 404
		}
		return 403
	}
	order := writeOrder(t, f.dir, "order.yaml", fulfillment.SampleOrder())
	_, err := f.run(t, "text", []string{"run-7"}, order)
	require.Error(t, err)

	out, err := execute(t, "trace", "--db", f.db, "run-7")
	require.NoError(t, err)
	assert.Contains(t, out, "Run run-7 (order-fulfillment, order Z1238): failed [DriverServiceRejected]")
	assert.Contains(t, out, "progress_saved step=Z1238/poll-delivery-driver progress=1")
	assert.Contains(t, out, "2 compensations, 1 progress saves")

	out, err = execute(t, "trace", "--db", f.db, "run-7", "--step", "send-bill")
	require.NoError(t, err)
	assert.Contains(t, out, "compensation_succeeded step=send-bill")
	assert.NotContains(t, out, "step=update-inventory")

	out, err = execute(t, "trace", "--db", f.db, "--order", "Z1238")
	require.NoError(t, err)
	assert.Contains(t, out, "run-7 failed [DriverServiceRejected]")

	_, err = execute(t, "trace", "--db", f.db, "no-such-run")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	// A failed delivery keeps its progress for the next run.
	out, err = execute(t, "progress", "show", "--db", f.db)
	require.NoError(t, err)
	assert.Contains(t, out, "Z1238/poll-delivery-driver progress=1 saves=1")

	out, err = execute(t, "progress", "clear", "--db", f.db, "Z1238/poll-delivery-driver")
	require.NoError(t, err)
	assert.Contains(t, out, "Cleared progress for Z1238/poll-delivery-driver")

	_, err = execute(t, "progress", "show", "--db", f.db, "Z1238/poll-delivery-driver")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
