package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderdesk/internal/errs"
	"orderdesk/internal/models"
)

func TestMemoryStatusLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.CreateStatus(ctx, models.StatusDefinition{Code: "done", Name: "Done", Group: models.GroupClosedSuccess}))
	require.NoError(t, m.CreateStatus(ctx, models.StatusDefinition{Code: "new", Name: "New", Group: models.GroupDraft}))

	err := m.CreateStatus(ctx, models.StatusDefinition{Code: "new", Group: models.GroupDraft})
	assert.True(t, errs.Is(err, errs.CodeDuplicateCode))

	list, err := m.ListStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].Code)

	require.NoError(t, m.UpdateStatus(ctx, "done", models.StatusDefinition{Code: "finished", Name: "Finished", Group: models.GroupClosedSuccess}))
	_, err = m.GetStatus(ctx, "done")
	assert.True(t, errs.Is(err, errs.CodeNotFound))

	require.NoError(t, m.DeleteStatus(ctx, "finished"))
	assert.True(t, errs.Is(m.DeleteStatus(ctx, "finished"), errs.CodeNotFound))
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.PutOrder(models.Order{ID: "o1", Status: "new", Items: []models.LineItem{{ItemID: "i1", Qty: 1}}})

	o, err := m.GetOrder(ctx, "o1")
	require.NoError(t, err)
	o.Items[0].Qty = 99
	o.Status = "changed"

	again, err := m.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "new", again.Status)
	assert.Equal(t, 1.0, again.Items[0].Qty)
}

func TestMemoryCommitTransitionAppendsLog(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.PutOrder(models.Order{ID: "o1", Status: "new"})

	o, _ := m.GetOrder(ctx, "o1")
	o.Status = "work"
	entry := &models.TransitionLogEntry{OrderID: "o1", From: "new", To: "work", UserID: "u1"}
	require.NoError(t, m.CommitTransition(ctx, o, entry))
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.CreatedAt.IsZero())

	logs, err := m.ListTransitions(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "work", logs[0].To)

	missing := &models.TransitionLogEntry{OrderID: "nope"}
	assert.True(t, errs.Is(m.CommitTransition(ctx, models.Order{ID: "nope"}, missing), errs.CodeNotFound))
}

func TestMemoryGuardedWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.PutOrder(models.Order{ID: "o1", Status: "new"})

	created, err := m.CreatePaymentOnce(ctx, &models.Payment{OrderID: "o1", Kind: models.PaymentIncome, Amount: 10, Source: "charge", LogID: "l1"})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = m.CreatePaymentOnce(ctx, &models.Payment{OrderID: "o1", Kind: models.PaymentIncome, Amount: 10, Source: "charge", LogID: "l1"})
	require.NoError(t, err)
	assert.False(t, created)

	sum, _ := m.SumPayments(ctx, "o1", models.PaymentIncome)
	assert.Equal(t, 10.0, sum)

	created, err = m.CreateAccrualOnce(ctx, &models.PayrollAccrual{OrderID: "o1", LogID: "l1", Amount: 1})
	require.NoError(t, err)
	assert.True(t, created)
	created, _ = m.CreateAccrualOnce(ctx, &models.PayrollAccrual{OrderID: "o1", LogID: "l1", Amount: 1})
	assert.False(t, created)
	assert.Len(t, m.Accruals("o1"), 1)

	now := time.Now().UTC()
	closed, err := m.CloseOrderIfOpen(ctx, "o1", models.ClosedInfo{Success: false, At: now, By: "u1"})
	require.NoError(t, err)
	assert.True(t, closed)
	closed, _ = m.CloseOrderIfOpen(ctx, "o1", models.ClosedInfo{Success: false, At: now, By: "u1"})
	assert.False(t, closed)
	o, _ := m.GetOrder(ctx, "o1")
	assert.True(t, o.PaymentsLocked)
}

func TestMemoryIssueStockOncePerOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.PutStock("i1", 5)
	lines := []models.LineItem{{ItemID: "i1", Qty: 2}, {ItemID: "i2", Qty: 1}, {Name: "labour", Qty: 1}}

	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = m.IssueStock(ctx, "o1", lines)
		}(i)
	}
	wg.Wait()

	issued := 0
	for _, r := range results {
		if r {
			issued++
		}
	}
	assert.Equal(t, 1, issued)

	rec, ok := m.Stock("i1")
	require.True(t, ok)
	assert.Equal(t, 3.0, rec.Qty)
	rec, ok = m.Stock("i2")
	require.True(t, ok)
	assert.Equal(t, -1.0, rec.Qty)
	assert.Len(t, m.Movements("o1"), 2)
}

func TestMemoryAttachFileByKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.PutOrder(models.Order{ID: "o1"})

	ref := models.FileRef{ID: "f1", Key: "orders/o1/invoice-l1.html"}
	require.NoError(t, m.AttachFile(ctx, "o1", ref))
	require.NoError(t, m.AttachFile(ctx, "o1", ref))
	o, _ := m.GetOrder(ctx, "o1")
	assert.Len(t, o.Files, 1)
}

func TestMemoryResetAndOutbox(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, body := range []string{"a", "b", "c"} {
		created, err := m.AppendOutboxOnce(ctx, &models.OutboxEntry{Kind: models.OutboxNotify, OrderID: "o1", Body: body})
		require.NoError(t, err)
		assert.True(t, created)
	}
	list, err := m.ListOutbox(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].Body)

	m.Reset()
	list, _ = m.ListOutbox(ctx, 0)
	assert.Empty(t, list)
}

func TestMemoryOutboxRecordsEachDeliveryOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	entry := func(channel string) *models.OutboxEntry {
		return &models.OutboxEntry{Kind: models.OutboxNotify, OrderID: "o1", LogID: "l1", TemplateCode: "ready", Channel: channel, Body: "hi"}
	}

	first := entry("sms")
	created, err := m.AppendOutboxOnce(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	again := entry("sms")
	again.Body = "rendered again"
	created, err = m.AppendOutboxOnce(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "hi", again.Body)

	created, err = m.AppendOutboxOnce(ctx, entry("email"))
	require.NoError(t, err)
	assert.True(t, created, "another channel is another delivery")

	require.NoError(t, m.MarkOutboxSent(ctx, first.ID, time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)))
	list, _ := m.ListOutbox(ctx, 0)
	require.Len(t, list, 1)
	assert.Equal(t, "email", list[0].Channel)
	assert.True(t, errs.Is(m.MarkOutboxSent(ctx, "missing", time.Now()), errs.CodeNotFound))
}

func TestMemoryCashRegisterResolution(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.ResolveCashRegister(ctx, "")
	assert.True(t, errs.Is(err, errs.CodeNotFound))

	m.PutCashRegister(models.CashRegister{ID: "main", IsDefault: true})
	m.PutCashRegister(models.CashRegister{ID: "safe"})

	r, err := m.ResolveCashRegister(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "main", r.ID)
	r, err = m.ResolveCashRegister(ctx, "safe")
	require.NoError(t, err)
	assert.Equal(t, "safe", r.ID)
}
