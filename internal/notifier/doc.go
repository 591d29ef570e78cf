// Package notifier posts build results to a webhook.
//
// Delivery is best-effort: each result is retried with exponential backoff
// and jitter, and a failed delivery never fails the build. Policies decide
// which results are worth a message: every run, failures only, or only
// runs whose outcome differs from the previous one.
package notifier
