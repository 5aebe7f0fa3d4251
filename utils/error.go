package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// ErrorReferenceNotFound marks a rule invocation whose linked record (job,
// estimate, customer) is gone. The rule skips and logs; nothing changed, so
// no retry is requested.
var ErrorReferenceNotFound = errors.New("referenced record not found")

// ErrorGuardAlreadySatisfied marks a duplicate detected by an idempotency
// guard. Callers treat it as a silent no-op, not a failure.
var ErrorGuardAlreadySatisfied = errors.New("guard already satisfied")
