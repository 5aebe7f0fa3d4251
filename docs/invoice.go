// Package docs renders customer-facing documents. Correctness of the
// automation engine does not depend on it: a failed render leaves the
// invoice row intact with an empty document URL.
package docs

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"github.com/dtrspro/fieldops_backend/models"
	"github.com/dtrspro/fieldops_backend/utils"
)

var invoiceTemplate = template.Must(template.New("invoice").Parse(`<!DOCTYPE html>
<html>
<head><title>Invoice {{.InvoiceNumber}}</title></head>
<body>
  <h1>DTRS PRO</h1>
  <h2>Invoice {{.InvoiceNumber}} ({{.InvoiceType}})</h2>
  <p>Customer: {{.CustomerName}}</p>
  <p>Due date: {{.DueDate.Format "2006-01-02"}}</p>
  <table border="1" cellpadding="4">
    <tr><th>Description</th><th>Qty</th><th>Unit Price</th><th>Total</th></tr>
    {{range .LineItems}}
    <tr><td>{{.Description}}</td><td>{{.Quantity}}</td><td>{{.UnitPrice}}</td><td>{{.Total}}</td></tr>
    {{end}}
  </table>
  <p>Subtotal: {{.Subtotal}}</p>
  <p>Tax: {{.TaxAmount}}</p>
  <p><strong>Total: {{.Total}}</strong></p>
  <p>Balance due: {{.BalanceDue}}</p>
</body>
</html>`))

// RenderInvoiceHTML produces the HTML document for an invoice.
func RenderInvoiceHTML(invoice *models.Invoice) ([]byte, error) {
	var buf bytes.Buffer
	if err := invoiceTemplate.Execute(&buf, invoice); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PublishInvoiceDocument renders and uploads the invoice document, returning
// its retrievable URL.
func PublishInvoiceDocument(ctx context.Context, invoice *models.Invoice) (string, error) {
	html, err := RenderInvoiceHTML(invoice)
	if err != nil {
		return "", err
	}
	objectName := fmt.Sprintf("invoices/%s.html", invoice.InvoiceNumber)
	return utils.SaveDocumentToGCS(ctx, objectName, "text/html", html)
}
