package models

// WorkflowState is the ordered job progression. Side states (on_hold,
// cancelled) sit outside the main ladder.
type WorkflowState string

const (
	WorkflowStateNew             WorkflowState = "new"
	WorkflowStateScheduledDetach WorkflowState = "scheduled_detach"
	WorkflowStateDetachComplete  WorkflowState = "detach_complete"
	WorkflowStateRoofingComplete WorkflowState = "roofing_complete"
	WorkflowStateResetComplete   WorkflowState = "reset_complete"
	WorkflowStateClosed          WorkflowState = "closed"
	WorkflowStateOnHold          WorkflowState = "on_hold"
	WorkflowStateCancelled       WorkflowState = "cancelled"
)

type InvoiceType string

const (
	InvoiceTypeDeposit  InvoiceType = "Deposit"
	InvoiceTypeProgress InvoiceType = "Progress"
	InvoiceTypeFinal    InvoiceType = "Final"
)

type InvoiceStatus string

const (
	InvoiceStatusDraft   InvoiceStatus = "Draft"
	InvoiceStatusPending InvoiceStatus = "Pending"
	InvoiceStatusPaid    InvoiceStatus = "Paid"
	InvoiceStatusVoid    InvoiceStatus = "Void"
)

type CommissionModel string

const (
	CommissionModelPercentOfProfit CommissionModel = "percent_of_profit"
	CommissionModelFlatFeePerKw    CommissionModel = "flat_fee_per_kw"
)

type NotificationType string

const (
	NotificationTypeInfo    NotificationType = "info"
	NotificationTypeWarning NotificationType = "warning"
	NotificationTypeError   NotificationType = "error"
	NotificationTypeSuccess NotificationType = "success"
)

type UserRole string

const (
	UserRoleAdmin    UserRole = "admin"
	UserRoleTech     UserRole = "tech"
	UserRoleCustomer UserRole = "customer"
)

// Record families as they appear on change events and audit entries.
const (
	FamilyJobs           = "jobs"
	FamilyLeads          = "leads"
	FamilyInvoices       = "invoices"
	FamilyInventoryItems = "inventory_items"
	FamilyScheduleEntries = "schedule_entries"
	FamilyJSASubmissions = "jsa_submissions"
	FamilyDamageScans    = "damage_scans"
	FamilyDetachReports  = "detach_reports"
	FamilyResetReports   = "reset_reports"
	FamilyNotifications  = "notifications"
)

// Event kinds carried by change events.
const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// Reminder ladder names, by days overdue.
const (
	ReminderTypeFirst  = "first"  // 7 days
	ReminderTypeSecond = "second" // 14 days
	ReminderTypeThird  = "third"  // 21 days
	ReminderTypeFinal  = "final"  // 30 days
)
