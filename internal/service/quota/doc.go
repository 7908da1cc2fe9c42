// Package quota computes each client's allowed daily send volume and ramps
// it up during warmup.
//
// Advancement happens at most once per calendar day per client. The
// repository enforces this with a compare-and-set on last_warmup_date, so
// concurrent callers (the daily task, the job executor and operator
// recomputes) never double-advance.
package quota
