package transition

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderdesk/internal/errs"
	"orderdesk/internal/models"
	"orderdesk/internal/store"
)

type recordingQueue struct {
	mu       sync.Mutex
	payloads []models.JobPayload
	err      error
}

func (q *recordingQueue) Enqueue(_ context.Context, p models.JobPayload) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return false, q.err
	}
	q.payloads = append(q.payloads, p)
	return true, nil
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, opts Options) (*Service, *store.Memory, *recordingQueue) {
	t.Helper()
	mem := store.NewMemory()
	ctx := context.Background()
	statuses := []models.StatusDefinition{
		{Code: "new", Name: "New", Group: models.GroupDraft, System: true},
		{Code: "work", Name: "In work", Group: models.GroupInProgress},
		{Code: "done", Name: "Done", Group: models.GroupClosedSuccess, Actions: []models.ActionSpec{
			models.Action(models.ActionCharge), models.Action(models.ActionPayrollAccrual),
		}},
		{Code: "lost", Name: "Lost", Group: models.GroupClosedFail, Actions: []models.ActionSpec{
			models.Action(models.ActionCloseWithoutPayment),
		}},
	}
	for _, st := range statuses {
		require.NoError(t, mem.CreateStatus(ctx, st))
	}
	mem.PutOrderType(models.OrderType{ID: "quick", Name: "Quick", AllowedStatuses: []string{"new", "done"}})
	mem.PutOrder(models.Order{ID: "o1", Status: "new", Totals: models.Totals{GrandTotal: 200}})

	q := &recordingQueue{}
	if opts.Now == nil {
		opts.Now = func() time.Time { return fixedNow }
	}
	return NewService(mem, q, opts, zerolog.Nop()), mem, q
}

func TestChangeStatusRecordsOneLogEntry(t *testing.T) {
	ctx := context.Background()
	svc, mem, q := setup(t, Options{})

	res, err := svc.ChangeStatus(ctx, Request{OrderID: "o1", StatusCode: "work", UserID: "u1", Note: " started "})
	require.NoError(t, err)
	assert.Equal(t, "work", res.Order.Status)
	assert.Nil(t, res.Order.Closed)
	assert.False(t, res.Enqueued)
	assert.Empty(t, q.payloads)

	stored, err := mem.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "work", stored.Status)
	require.NotNil(t, stored.StatusChangedAt)
	assert.Equal(t, fixedNow, *stored.StatusChangedAt)

	history, err := svc.History(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "new", history[0].From)
	assert.Equal(t, "work", history[0].To)
	assert.Equal(t, "started", history[0].Note)
	assert.Equal(t, res.LogEntry.ID, history[0].ID)
}

func TestChangeStatusEnqueuesClosingActions(t *testing.T) {
	ctx := context.Background()
	svc, _, q := setup(t, Options{AutoStockIssue: true})

	res, err := svc.ChangeStatus(ctx, Request{OrderID: "o1", StatusCode: "done", UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, res.Enqueued)
	require.NotNil(t, res.Order.Closed)
	assert.True(t, res.Order.Closed.Success)
	assert.Equal(t, "u1", res.Order.Closed.By)

	wantTypes := []string{"charge", "payrollAccrual", "stockIssue"}
	assert.Equal(t, wantTypes, models.ActionTypes(res.LogEntry.ActionsEnqueued))

	require.Len(t, q.payloads, 1)
	p := q.payloads[0]
	assert.Equal(t, models.JobID("o1", "done", res.LogEntry.ID), p.ID())
	assert.Equal(t, wantTypes, models.ActionTypes(p.Actions))
	assert.Equal(t, "u1", p.UserID)
}

func TestAutoStockIssueRule(t *testing.T) {
	ctx := context.Background()

	svc, _, _ := setup(t, Options{AutoStockIssue: false})
	res, err := svc.ChangeStatus(ctx, Request{OrderID: "o1", StatusCode: "done", UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, models.HasAction(res.LogEntry.ActionsEnqueued, models.ActionStockIssue))

	svc, mem, _ := setup(t, Options{AutoStockIssue: true})
	st, err := mem.GetStatus(ctx, "done")
	require.NoError(t, err)
	st.Actions = append(st.Actions, models.Action(models.ActionStockIssue))
	require.NoError(t, mem.UpdateStatus(ctx, "done", st))

	res, err = svc.ChangeStatus(ctx, Request{OrderID: "o1", StatusCode: "done", UserID: "u1"})
	require.NoError(t, err)
	count := 0
	for _, a := range res.LogEntry.ActionsEnqueued {
		if a.Type == models.ActionStockIssue {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestClosedFailLocksPaymentsAndReopenClears(t *testing.T) {
	ctx := context.Background()
	svc, mem, _ := setup(t, Options{})

	_, err := svc.ChangeStatus(ctx, Request{OrderID: "o1", StatusCode: "lost", UserID: "u1"})
	require.NoError(t, err)
	o, _ := mem.GetOrder(ctx, "o1")
	require.NotNil(t, o.Closed)
	assert.False(t, o.Closed.Success)
	assert.True(t, o.PaymentsLocked)

	_, err = svc.ChangeStatus(ctx, Request{OrderID: "o1", StatusCode: "work", UserID: "u2"})
	require.Error(t, err)
	assert.Equal(t, errs.CodeReopenForbidden, errs.Code(err))
	o, _ = mem.GetOrder(ctx, "o1")
	assert.Equal(t, "lost", o.Status)
	history, _ := svc.History(ctx, "o1")
	assert.Len(t, history, 1)

	res, err := svc.ChangeStatus(ctx, Request{OrderID: "o1", StatusCode: "work", UserID: "u2", Capabilities: []string{"Reopen"}})
	require.NoError(t, err)
	assert.Nil(t, res.Order.Closed)
	assert.False(t, res.Order.PaymentsLocked)
}

func TestChangeStatusErrors(t *testing.T) {
	ctx := context.Background()
	svc, mem, _ := setup(t, Options{})
	mem.PutOrder(models.Order{ID: "typed", Status: "new", TypeID: "quick"})

	cases := []struct {
		name string
		req  Request
		code string
	}{
		{"missing order", Request{OrderID: "nope", StatusCode: "work", UserID: "u1"}, errs.CodeNotFound},
		{"missing status", Request{OrderID: "o1", StatusCode: "ghost", UserID: "u1"}, errs.CodeNotFound},
		{"not in allow-list", Request{OrderID: "typed", StatusCode: "work", UserID: "u1"}, errs.CodeStatusNotAllowed},
		{"no user", Request{OrderID: "o1", StatusCode: "work"}, errs.CodeValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.ChangeStatus(ctx, tc.req)
			require.Error(t, err)
			assert.Equal(t, tc.code, errs.Code(err))
		})
	}

	o, _ := mem.GetOrder(ctx, "typed")
	assert.Equal(t, "new", o.Status)
	history, _ := mem.ListTransitions(ctx, "typed")
	assert.Empty(t, history)

	_, err := svc.ChangeStatus(ctx, Request{OrderID: "typed", StatusCode: "done", UserID: "u1"})
	assert.NoError(t, err)
}

func TestEnqueueFailureDoesNotFailTransition(t *testing.T) {
	ctx := context.Background()
	svc, mem, q := setup(t, Options{})
	q.err = errors.New("redis down")

	res, err := svc.ChangeStatus(ctx, Request{OrderID: "o1", StatusCode: "done", UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, res.Enqueued)

	o, _ := mem.GetOrder(ctx, "o1")
	assert.Equal(t, "done", o.Status)
}

func TestSameStatusTransitionIsRecorded(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setup(t, Options{})

	_, err := svc.ChangeStatus(ctx, Request{OrderID: "o1", StatusCode: "work", UserID: "u1"})
	require.NoError(t, err)
	_, err = svc.ChangeStatus(ctx, Request{OrderID: "o1", StatusCode: "work", UserID: "u1"})
	require.NoError(t, err)

	history, _ := svc.History(ctx, "o1")
	assert.Len(t, history, 2)
}
