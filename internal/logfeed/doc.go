// Package logfeed is the central moderation log: enforcement summaries are
// queued and posted to one operator channel by a small worker pool.
//
// Delivery is best-effort. SendLog never blocks on the platform: records are
// rate limited, retried with jittered backoff, and identical records posted
// within the dedup window are suppressed.
package logfeed
