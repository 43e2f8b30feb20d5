// Package scheduler triggers source runs on cron or interval schedules.
//
// Each registered job runs at most once at a time; a trigger that fires while
// the previous run is still going is skipped and logged.
package scheduler
