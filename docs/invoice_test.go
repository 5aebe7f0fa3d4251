package docs

import (
	"strings"
	"testing"
	"time"

	"github.com/dtrspro/fieldops_backend/models"
	"github.com/shopspring/decimal"
)

func TestRenderInvoiceHTML_IncludesLineItems(t *testing.T) {
	invoice := &models.Invoice{
		InvoiceNumber: "INV-2026-0007",
		InvoiceType:   models.InvoiceTypeFinal,
		CustomerName:  "Pat Doe",
		DueDate:       time.Date(2026, 9, 29, 0, 0, 0, 0, time.UTC),
		LineItems: []models.InvoiceLineItem{
			{Description: "Final payment (30%) - Job J-200", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(1500), Total: decimal.NewFromInt(1500)},
			{Description: "Partner commission - Acme Roofing", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(-200), Total: decimal.NewFromInt(-200)},
		},
		Subtotal:   decimal.NewFromInt(1300),
		TaxAmount:  decimal.NewFromInt(104),
		Total:      decimal.NewFromInt(1404),
		BalanceDue: decimal.NewFromInt(1404),
	}

	html, err := RenderInvoiceHTML(invoice)
	if err != nil {
		t.Fatalf("RenderInvoiceHTML: %v", err)
	}
	doc := string(html)

	// Every line item must land in the table.
	for _, want := range []string{
		"INV-2026-0007",
		"Final payment (30%) - Job J-200",
		"Partner commission - Acme Roofing",
		"2026-09-29",
	} {
		if !strings.Contains(doc, want) {
			t.Fatalf("rendered document missing %q", want)
		}
	}
}
