package worker

import (
	"context"
	"math"

	"orderdesk/internal/errs"
	"orderdesk/internal/models"
)

const chargeSource = "charge"

func (p *Processor) handleCharge(ctx context.Context, job models.JobPayload, action models.ActionSpec) error {
	order, err := p.store.GetOrder(ctx, job.OrderID)
	if err != nil {
		return err
	}
	if order.PaymentsLocked {
		return errs.PaymentsLocked(order.ID)
	}
	// A success close written by this job's own transition is expected; any other one is not.
	if order.ClosedSuccessfully() && order.Status != job.StatusCode {
		return errs.OrderClosed(order.ID)
	}

	var amount float64
	if action.Amount != nil {
		amount = *action.Amount
	} else {
		paid, err := p.store.SumPayments(ctx, order.ID, models.PaymentIncome)
		if err != nil {
			return err
		}
		amount = order.Totals.GrandTotal - paid
	}
	amount = roundMoney(amount)
	if amount <= 0 {
		p.log.Debug().Str("order_id", order.ID).Msg("nothing left to charge")
		return nil
	}

	register, err := p.store.ResolveCashRegister(ctx, action.CashRegisterID)
	if err != nil {
		return err
	}
	created, err := p.store.CreatePaymentOnce(ctx, &models.Payment{
		OrderID:        order.ID,
		Kind:           models.PaymentIncome,
		Amount:         amount,
		CashRegisterID: register.ID,
		LogID:          job.LogID,
		Source:         chargeSource,
		CreatedAt:      p.opts.Now().UTC(),
	})
	if err != nil {
		return err
	}
	p.log.Info().Str("order_id", order.ID).Float64("amount", amount).Bool("created", created).Msg("charge recorded")
	return nil
}

func (p *Processor) handleCloseWithoutPayment(ctx context.Context, job models.JobPayload, _ models.ActionSpec) error {
	closed, err := p.store.CloseOrderIfOpen(ctx, job.OrderID, models.ClosedInfo{
		Success: false,
		At:      p.opts.Now().UTC(),
		By:      job.UserID,
	})
	if err != nil {
		return err
	}
	if closed {
		p.log.Info().Str("order_id", job.OrderID).Msg("order closed without payment")
	}
	return nil
}

func (p *Processor) handlePayrollAccrual(ctx context.Context, job models.JobPayload, action models.ActionSpec) error {
	order, err := p.store.GetOrder(ctx, job.OrderID)
	if err != nil {
		return err
	}
	percent := p.opts.PayrollPercent
	if action.Percent != nil {
		percent = *action.Percent
	}
	base := order.Totals.GrandTotal
	created, err := p.store.CreateAccrualOnce(ctx, &models.PayrollAccrual{
		OrderID:    order.ID,
		LogID:      job.LogID,
		UserID:     job.UserID,
		BaseAmount: base,
		Percent:    percent,
		Amount:     math.Round(base * percent),
		CreatedAt:  p.opts.Now().UTC(),
	})
	if err != nil {
		return err
	}
	p.log.Info().Str("order_id", order.ID).Bool("created", created).Msg("payroll accrual recorded")
	return nil
}

func (p *Processor) handleStockIssue(ctx context.Context, job models.JobPayload, _ models.ActionSpec) error {
	order, err := p.store.GetOrder(ctx, job.OrderID)
	if err != nil {
		return err
	}
	issued, err := p.store.IssueStock(ctx, order.ID, order.Items)
	if err != nil {
		return err
	}
	if !issued {
		p.log.Debug().Str("order_id", order.ID).Msg("stock already issued")
	}
	return nil
}

func roundMoney(v float64) float64 {
	return math.Round(v*100) / 100
}
