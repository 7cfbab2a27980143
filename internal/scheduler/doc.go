// SPDX-License-Identifier: MPL-2.0

// Package scheduler runs a module's background work.
//
// Each module owns one Scheduler. Asynchronous one-shot tasks run on a
// bounded worker pool; delayed and periodic tasks run on a single timer
// goroutine. All task contexts carry the owning module's origin tag, and
// task errors and panics are handed to the Reporter instead of crashing the
// process.
package scheduler
