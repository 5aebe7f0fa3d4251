package notify

import "fmt"

// Email bodies sent by the automations. Plain templates, kept together so
// wording changes do not touch rule logic.

type EmailContent struct {
	Subject string
	Body    string
}

func RainCheckEmail(jobNumber, address, newDate string) EmailContent {
	return EmailContent{
		Subject: fmt.Sprintf("Job Rescheduled Due to Weather - Job %s", jobNumber),
		Body: fmt.Sprintf(
			"Hello,\n\nYour scheduled work at %s (Job %s) has been rescheduled due to forecasted rain.\n\n"+
				"New Date: %s\n\nWe will contact you to confirm the new schedule.\n"+
				"Thank you for your understanding.\n\nDTRS PRO Team",
			address, jobNumber, newDate),
	}
}

func RainCheckSMS(jobNumber, newDate string) string {
	return fmt.Sprintf("DTRS PRO: Job %s rescheduled to %s due to weather. Check email for details.", jobNumber, newDate)
}

func StalledJobEmail(jobNumber, address string, daysStalled int) EmailContent {
	return EmailContent{
		Subject: fmt.Sprintf("Update on Your Project: Job %s", jobNumber),
		Body: fmt.Sprintf(
			"Hello,\n\nYour project %s at %s has been on hold for %d days.\n"+
				"Our team is reviewing the schedule and will reach out with next steps.\n\n"+
				"DTRS PRO Team",
			jobNumber, address, daysStalled),
	}
}

func InventoryAlertEmail(itemName, sku string, currentStock, reorderPoint string) EmailContent {
	return EmailContent{
		Subject: fmt.Sprintf("Low Stock Alert: %s", itemName),
		Body: fmt.Sprintf(
			"Hello,\n\nThe following inventory item is below reorder point:\n\n"+
				"Item: %s\nSKU: %s\nCurrent Stock: %s\nReorder Point: %s\n\n"+
				"Please reorder soon to avoid stockouts.\n\nDTRS PRO Team",
			itemName, sku, currentStock, reorderPoint),
	}
}

func CollectionReminderEmail(invoiceNumber, customerName, amount string, daysOverdue int) EmailContent {
	return EmailContent{
		Subject: fmt.Sprintf("Payment Reminder: Invoice %s", invoiceNumber),
		Body: fmt.Sprintf(
			"Hello %s,\n\nThis is a friendly reminder that invoice %s is %d days overdue.\n\n"+
				"Amount Due: $%s\n\nPlease make payment at your earliest convenience.\n"+
				"You can pay online through your portal or contact us for assistance.\n\n"+
				"Thank you,\nDTRS PRO Team",
			customerName, invoiceNumber, daysOverdue, amount),
	}
}

func CollectionReminderSMS(invoiceNumber string, daysOverdue int, amount string) string {
	return fmt.Sprintf("DTRS PRO: Invoice %s is %d days overdue. Amount: $%s. Please pay at your earliest convenience.",
		invoiceNumber, daysOverdue, amount)
}
