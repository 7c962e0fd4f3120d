// Package memory implements the context manager: the layer between the raw
// session history and what stages actually get to see.
//
// Two responsibilities live here:
//
//   - Building bounded context windows. A stage never receives the full
//     history; it receives the current Summary, the carried alerts pinned by
//     past compactions, and a recency-bounded tail of uncompacted events and
//     findings filtered to the stage's declared interest set.
//
//   - Compaction. Once uncompacted history outgrows a threshold, the manager
//     folds the old prefix into a fresh Summary behind a watermark. The
//     narrative text is best-effort (generator-backed with a templated
//     fallback); the carried alerts are not: any dedup key that ever reached
//     warning severity keeps its most severe exemplar verbatim, forever.
//
// Compaction is idempotent with respect to carried alerts and watermarks:
// recompacting an already-compacted window is a no-op.
package memory
