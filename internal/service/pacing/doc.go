// Package pacing turns a day's remaining allotment into dispatch instants.
//
// A Scheduler is built from a PacingPolicy loaded for the current run; it
// holds no global state. With pacing disabled every instant is the start
// time. With pacing enabled every instant falls inside the policy's hour
// window in its timezone, and consecutive instants are separated by a
// uniformly random delay drawn from the policy's minute bounds.
package pacing
