// Package trigger fires periodic rebuilds (cron, interval or daily schedules).
package trigger
