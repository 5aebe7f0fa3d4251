package automation

import (
	"math"

	"github.com/dtrspro/fieldops_backend/models"
	"github.com/shopspring/decimal"
)

// Pure derived-value rules. No side effects, total over their inputs:
// missing values contribute nothing rather than failing.

// AssumedProfitMargin feeds the percent_of_profit commission model. Actual
// job profitability is not known at invoicing time, so commissions are paid
// on an assumed margin.
var AssumedProfitMargin = decimal.NewFromFloat(0.20)

// LeadScore starts at 100 and penalizes distance beyond 10 miles (2 points
// per mile), roof pitch beyond 6/12 (3 points per step), and system age
// beyond 10 years (1 point per year). Clamped to [0,100], rounded to the
// nearest integer. Nil inputs contribute zero.
func LeadScore(distance, roofPitch, systemAge *float64) int {
	score := 100.0
	score -= 2 * excessOver(distance, 10)
	score -= 3 * excessOver(roofPitch, 6)
	score -= 1 * excessOver(systemAge, 10)

	rounded := int(math.Round(score))
	if rounded < 0 {
		return 0
	}
	if rounded > 100 {
		return 100
	}
	return rounded
}

func excessOver(value *float64, threshold float64) float64 {
	if value == nil {
		return 0
	}
	return math.Max(0, *value-threshold)
}

// CommissionDeduction computes the partner deduction for a Final invoice.
// Unknown or absent commission models yield zero.
func CommissionDeduction(model models.CommissionModel, rate decimal.Decimal, estimateTotal decimal.Decimal, systemSizeKw decimal.Decimal) decimal.Decimal {
	switch model {
	case models.CommissionModelPercentOfProfit:
		return estimateTotal.Mul(AssumedProfitMargin).Mul(rate.Div(decimal.NewFromInt(100))).Round(2)
	case models.CommissionModelFlatFeePerKw:
		return systemSizeKw.Mul(rate).Round(2)
	default:
		return decimal.Zero
	}
}

// InvoicePlan is the invoice an entered workflow state calls for.
type InvoicePlan struct {
	Type     models.InvoiceType
	Fraction decimal.Decimal // share of the estimate total
}

// InvoicePlanForState maps workflow states to invoice plans. States outside
// the three billing milestones produce no invoice.
func InvoicePlanForState(state models.WorkflowState) (InvoicePlan, bool) {
	switch state {
	case models.WorkflowStateScheduledDetach:
		return InvoicePlan{Type: models.InvoiceTypeDeposit, Fraction: decimal.NewFromFloat(0.30)}, true
	case models.WorkflowStateRoofingComplete:
		return InvoicePlan{Type: models.InvoiceTypeProgress, Fraction: decimal.NewFromFloat(0.40)}, true
	case models.WorkflowStateResetComplete:
		return InvoicePlan{Type: models.InvoiceTypeFinal, Fraction: decimal.NewFromFloat(0.30)}, true
	default:
		return InvoicePlan{}, false
	}
}

// ClampCommission floors the deduction so the invoice subtotal never goes
// negative: the business eats commission beyond the final milestone amount
// rather than issuing a negative invoice. Returns the clamped deduction and
// whether clamping applied.
func ClampCommission(deduction, subtotal decimal.Decimal) (decimal.Decimal, bool) {
	if deduction.GreaterThan(subtotal) {
		return subtotal, true
	}
	return deduction, false
}
