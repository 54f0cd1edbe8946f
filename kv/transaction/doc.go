package transaction

// The transaction package implements optimistic transactions over a versioned key/sub-key store (see Storage in
// kv/storage). A transaction never locks anything while it is built. Instead it records *requirements*, the
// version each key it depends on had when it was required, and stages *mutations*, writes and clears of
// (key, subKey) slots. Committing hands both sets to the commit coordinator, which applies the mutations only if
// every requirement still holds.
//
// ## Versions
//
// Every slot has a version that grows by one each time a write or a clear of that slot is applied. Every key also
// has a key-level version that grows by one each time a batch touching any of its slots is applied. Requirements
// are taken on key-level versions, so a transaction that requires a key conflicts with any other transaction that
// wrote any slot of that key in between. Clearing a slot keeps its version; the slot's history is never lost.
//
// ## Lifecycle
//
//	Building --CommitAsync--> Committing --> Succeeded | Conflict | Failed
//
// and Close moves a transaction from any state to Disposed. Misuse (an empty value, a disposed or committed
// transaction, a released or foreign key) is reported synchronously as a usage error, see IsUsageError. Commit
// outcomes are only reported through the commit.Future returned by CommitAsync: Conflict means a requirement went
// stale and nothing was written; Failed means the store itself failed.
//
// ## Commit protocol
//
// The coordinator in the `commit` package runs commits on a pool of goroutines. For each commit it takes a
// latch for every key the commit names (see the latches package), asks the store to compare the requirements
// against current key versions and apply the batch in one atomic step, releases the latches and resolves the
// Future. Commits on disjoint keys run side by side; commits on overlapping keys are serialized, and of two
// commits that required the same version of a key and both write it, exactly one succeeds.
//
// Within this package, `mvcc` holds the requirement and mutation builders, `latches` the per-key latches and
// `commit` the coordinator and futures. Keys are handed out as reference counted handles by a KeyTable owned by
// the Engine.
