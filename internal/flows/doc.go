// Package flows contains the orchestration behind every Gate operation.
//
// Each flow function (RunIssue, RunRotate, RunRevoke, RunLogin) accepts a typed
// dependency struct and returns a result value. Store access, clocks and token
// signing are injected, so the rotation state machine can be tested against
// in-memory or failing stores.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import the root taskgate package.
//   - Log, emit audit events or count metrics. The Gate does that from the
//     returned result.
package flows
