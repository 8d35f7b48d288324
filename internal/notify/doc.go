// Package notify forwards operator-worthy events to a webhook.
//
// Failed job runs ("job.done" events at or above the configured severity) and,
// optionally, condensed warn/error log lines ("log.alert") are turned into
// Notifications and pushed through an async pipeline: bounded queue, worker
// pool, token-bucket rate limit, retry with jittered backoff and a dedup
// window so a job failing every minute does not page every minute.
//
// Delivery is pluggable through Sender; the daemon uses WebhookSender, which
// POSTs the Notification as JSON.
package notify
