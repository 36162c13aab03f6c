// Package schedule provides schedules for recurring worker tasks.
//
// This package includes:
//   - Schedule interface for defining when a task runs next
//   - Every() for fixed-interval schedules
//   - Daily() and Weekly() for wall-clock schedules in UTC
//   - Cron() and ParseCron() for cron expressions
//
// The worker uses a Schedule to run the envelope janitor.
package schedule
