// Package queue stores tasks, batches and their bitmap indexes in Pebble.
//
// # Key layout in Pebble
//
// Task keys start with 'T', batch keys with 'B'. Ids are big-endian u32,
// dates are nanoseconds since the epoch as big-endian u64 with the sign bit
// flipped, so that the byte order of the keys is the chronological order.
//
//   - Task record:        "TA" + uid -> JSON encoded task
//   - Status index:       "TS" + status byte -> roaring bitmap of task ids
//   - Kind index:         "TK" + kind byte -> roaring bitmap of task ids
//   - Index-uid index:    "TI" + index name -> roaring bitmap of task ids
//   - Canceled-by index:  "TC" + canceler uid -> ids canceled by that task
//   - Date indexes:       "TE" (enqueued), "TB" (started), "TF" (finished)
//     + date -> roaring bitmap of task ids
//
//   - Batch record:       "BA" + uid -> JSON encoded batch
//   - Batch indexes:      "BS", "BK", "BI", "BE", "BB", "BF" mirror the task
//     indexes over batch ids
//   - Batch membership:   "BM" + uid -> roaring bitmap of the task ids of the batch
//
// An empty bitmap is never stored: the key is deleted instead. A dimension
// value without tasks therefore leaves no entry behind, which is what lets
// a deleted batch or task disappear from every index.
//
// # Transactions
//
// A write transaction is an indexed pebble batch. Every helper that mutates
// a bitmap reads it through the same batch, so a sequence of updates inside
// one transaction composes, and either all of them commit or none does.
// Read transactions are snapshots. All readers accept pebble.Reader, which
// both satisfy.
//
// # Invariants
//
// The status sets are pairwise disjoint and their union is the set of
// stored tasks. A task belongs to exactly the status, kind, index and date
// entries its fields select: Register adds it to them, UpdateTask moves it
// between them and the deletion path removes it from all of them.
// CheckConsistency verifies all of this, plus batch membership, canceled-by
// reverse entries and content files, and reports every violation it finds.
package queue
