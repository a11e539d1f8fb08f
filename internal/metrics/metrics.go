// Package metrics recomputes customer aggregates from invoice and
// subscription state. Compute is pure; the Aggregator walks customers in id
// batches and writes results back.
package metrics

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile-cli/internal/model"
	"github.com/sells-group/reconcile-cli/internal/store"
)

// Result summarizes one metrics pass.
type Result struct {
	Customers int
	Batches   int
}

// Aggregator recomputes metrics for one company's customers.
type Aggregator struct {
	store     store.Store
	batchSize int
	log       *zap.Logger
}

// New creates an Aggregator. batchSize bounds how many customer ids are
// worked per batch.
func New(st store.Store, batchSize int) *Aggregator {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Aggregator{
		store:     st,
		batchSize: batchSize,
		log:       zap.L().With(zap.String("component", "metrics")),
	}
}

// Run recomputes and saves metrics for every customer of the company.
func (a *Aggregator) Run(ctx context.Context, company *model.Company) (*Result, error) {
	res := &Result{}

	ids, err := a.store.CustomerIDs(ctx, company.ID)
	if err != nil {
		return res, eris.Wrap(err, "metrics: list customers")
	}

	now := time.Now().UTC()
	for start := 0; start < len(ids); start += a.batchSize {
		end := start + a.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		res.Batches++

		for _, id := range ids[start:end] {
			customer, err := a.store.GetCustomer(ctx, id)
			if err != nil {
				return res, eris.Wrap(err, "metrics: load customer")
			}
			invoices, err := a.store.InvoicesForCustomer(ctx, id)
			if err != nil {
				return res, eris.Wrap(err, "metrics: load invoices")
			}
			hasSub, err := a.store.HasActiveSubscription(ctx, id)
			if err != nil {
				return res, eris.Wrap(err, "metrics: check subscription")
			}

			Compute(customer, invoices, hasSub, now)
			if err := a.store.SaveCustomerMetrics(ctx, customer); err != nil {
				return res, eris.Wrap(err, "metrics: save customer")
			}
			res.Customers++
		}
	}

	a.log.Info("metrics recomputed",
		zap.String("company", company.Identifier),
		zap.Int("customers", res.Customers),
		zap.Int("batches", res.Batches))
	return res, nil
}

// Compute derives every aggregate column on the customer from its invoices
// and subscription state. The legacy first-invoice date imported from the
// prior system reconciles both date bounds: it can pull firstInvoicedAt
// back and, for customers with no current invoices after it, push
// lastInvoicedAt forward. The invoice count covers current invoices only.
func Compute(c *model.Customer, invoices []model.Invoice, hasActiveSubscription bool, now time.Time) {
	invoiceTotal := decimal.Zero
	balanceTotal := decimal.Zero
	maxInvoice := decimal.Zero
	var first, last *time.Time

	for i := range invoices {
		inv := &invoices[i]
		total := parseMoney(inv.Total)
		invoiceTotal = invoiceTotal.Add(total)
		balanceTotal = balanceTotal.Add(parseMoney(inv.Balance))
		if total.GreaterThan(maxInvoice) {
			maxInvoice = total
		}
		if inv.InvoicedAt != nil {
			if first == nil || inv.InvoicedAt.Before(*first) {
				first = inv.InvoicedAt
			}
			if last == nil || inv.InvoicedAt.After(*last) {
				last = inv.InvoicedAt
			}
		}
	}

	if c.LegacyFirstInvoicedAt != nil {
		if first == nil || c.LegacyFirstInvoicedAt.Before(*first) {
			first = c.LegacyFirstInvoicedAt
		}
		if last == nil || c.LegacyFirstInvoicedAt.After(*last) {
			last = c.LegacyFirstInvoicedAt
		}
	}

	c.InvoiceTotal = invoiceTotal.StringFixed(2)
	c.BalanceTotal = balanceTotal.StringFixed(2)
	c.FirstInvoicedAt = first
	c.LastInvoicedAt = last
	c.CountInvoices = len(invoices)
	c.HasSubscription = hasActiveSubscription

	// Installation status is sticky once earned.
	if !c.HasInstallation {
		c.HasInstallation = len(invoices) > 0 &&
			maxInvoice.GreaterThanOrEqual(decimal.NewFromFloat(model.InstallationThreshold))
	}

	c.IsNewCustomer = first != nil && now.Sub(*first) <= model.NewCustomerWindow
	c.IsRepeatCustomer = c.CountInvoices > 1
	c.LifetimeValue = invoiceTotal.Sub(balanceTotal).StringFixed(2)
}

func parseMoney(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
