// Package engine implements the privileged transaction engine.
//
// One helper invocation runs exactly one descriptor through a small state
// machine:
//
//	Init -> DbCheck -> Resolve -> Prepare -> Commit -> Done
//	                                         Commit -> SelfHeal -> Commit -> Done
//	any state -> Error
//
// The package manager itself sits behind the Backend interface; questions it
// raises mid-commit are answered by an AnswerPolicy so that every run is a
// pure function of source state and targets. Progress reaches the caller as
// protocol events on a single emitter.
//
// The database lock check before a mutating transaction is best-effort. A
// package manager started elsewhere between the check and the commit is not
// excluded; the backend's own locking is what ultimately protects the
// database.
package engine
