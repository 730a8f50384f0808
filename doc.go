// Package blackbox provides always-on, low-overhead event tracing for
// long-lived processes.
//
// Instrumentation writes small, structured entries through a [Logger]. The
// logger serializes each entry once, splits it into fixed-size packets, and
// replicates the packets into every attached ring buffer, without taking
// locks on the write path. Typically one buffer is volatile and in-memory, and
// another is backed by a memory-mapped file, which survives the death of the
// process. When a trace is requested, a background writer walks a buffer back
// into entries, and materializes a bounded window of history into a durable
// trace file.
//
// Producers never block on consumers. When a buffer is full, the oldest data
// is overwritten, and consumers that fall behind observe the loss as a missed
// event rather than as corrupted data.
//
// See package [github.com/peterbourgon/blackbox/bbring] for the buffer,
// [github.com/peterbourgon/blackbox/bbwriter] for the trace writer, and
// [github.com/peterbourgon/blackbox/bbmmap] for the persisted buffer.
package blackbox
