// Package report builds the monthly ITBMS (transaction tax) report from the
// fee obligations accrued in a period.
package report

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/orquesta/settlement/internal/metrics"
	"github.com/orquesta/settlement/internal/model"
	"github.com/orquesta/settlement/internal/store"
)

var ErrInvalidPeriod = errors.New("report: period must be YYYY-MM")

// Row aggregates one seller's obligations in one currency.
type Row struct {
	SellerID    string         `json:"seller_id"`
	Currency    model.Currency `json:"currency"`
	Obligations int            `json:"obligations"`
	BaseCents   int64          `json:"base_amount_cents"`
	TaxCents    int64          `json:"itbms_cents"`
}

// Total aggregates one currency.
type Total struct {
	Currency  model.Currency `json:"currency"`
	BaseCents int64          `json:"base_amount_cents"`
	TaxCents  int64          `json:"itbms_cents"`
}

// TaxReport is the ITBMS report for one project and month.
type TaxReport struct {
	ProjectID   string    `json:"project_id"`
	Period      string    `json:"period"`
	Rows        []Row     `json:"rows"`
	Totals      []Total   `json:"totals"`
	GeneratedAt time.Time `json:"generated_at"`
}

// PeriodBounds parses "YYYY-MM" into its UTC [from, to) range.
func PeriodBounds(period string) (time.Time, time.Time, error) {
	from, err := time.Parse("2006-01", period)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%q: %w", period, ErrInvalidPeriod)
	}
	return from, from.AddDate(0, 1, 0), nil
}

// PreviousPeriod returns the month before t as "YYYY-MM".
func PreviousPeriod(t time.Time) string {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0).Format("2006-01")
}

// Generate aggregates fee obligations created during period, whatever
// their sweep status.
func Generate(ctx context.Context, st store.Store, projectID, period string) (*TaxReport, error) {
	from, to, err := PeriodBounds(period)
	if err != nil {
		return nil, err
	}
	obligations, err := st.ListFeeObligations(ctx, projectID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list fee obligations: %w", err)
	}

	type rowKey struct {
		seller string
		cur    model.Currency
	}
	rows := map[rowKey]*Row{}
	totals := map[model.Currency]*Total{}
	for _, fo := range obligations {
		if fo.Status == model.FeeWaived {
			continue
		}
		k := rowKey{fo.SellerID, fo.Currency}
		r, ok := rows[k]
		if !ok {
			r = &Row{SellerID: fo.SellerID, Currency: fo.Currency}
			rows[k] = r
		}
		r.Obligations++
		r.BaseCents += fo.AmountCents
		r.TaxCents += fo.TaxCents

		t, ok := totals[fo.Currency]
		if !ok {
			t = &Total{Currency: fo.Currency}
			totals[fo.Currency] = t
		}
		t.BaseCents += fo.AmountCents
		t.TaxCents += fo.TaxCents
	}

	rep := &TaxReport{ProjectID: projectID, Period: period, GeneratedAt: time.Now().UTC()}
	for _, r := range rows {
		rep.Rows = append(rep.Rows, *r)
	}
	sort.Slice(rep.Rows, func(i, j int) bool {
		if rep.Rows[i].SellerID != rep.Rows[j].SellerID {
			return rep.Rows[i].SellerID < rep.Rows[j].SellerID
		}
		return rep.Rows[i].Currency < rep.Rows[j].Currency
	})
	for _, t := range totals {
		rep.Totals = append(rep.Totals, *t)
		metrics.TaxReportCents.WithLabelValues(projectID, string(t.Currency)).Set(float64(t.TaxCents))
	}
	sort.Slice(rep.Totals, func(i, j int) bool { return rep.Totals[i].Currency < rep.Totals[j].Currency })
	return rep, nil
}

var headers = map[string][]string{
	"es": {"periodo", "seller_id", "moneda", "obligaciones", "monto_base_centavos", "itbms_centavos", "monto_base", "itbms"},
	"en": {"period", "seller_id", "currency", "obligations", "base_amount_cents", "itbms_cents", "base_amount", "itbms"},
}

// WriteCSV writes rep with Spanish ("es", default) or English headers.
// Amounts appear in minor units and as fixed two-decimal major units.
func WriteCSV(w io.Writer, rep *TaxReport, lang string) error {
	h, ok := headers[lang]
	if !ok {
		h = headers["es"]
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(h); err != nil {
		return err
	}
	for _, r := range rep.Rows {
		rec := []string{
			rep.Period,
			r.SellerID,
			string(r.Currency),
			strconv.Itoa(r.Obligations),
			strconv.FormatInt(r.BaseCents, 10),
			strconv.FormatInt(r.TaxCents, 10),
			MajorUnits(r.BaseCents),
			MajorUnits(r.TaxCents),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// MajorUnits formats minor units as a two-decimal amount.
func MajorUnits(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
