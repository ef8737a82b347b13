// Package fetch holds the scheduling primitives used by the download
// worker: fetch entries and priorities, grouping of entries into ranged
// requests, the adaptive request size, the pending task queue and the
// table of verified entries.
//
// None of the types here perform I/O.
package fetch
