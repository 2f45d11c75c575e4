// Package model provides the data types shared by the offline cache and the
// sync engine.
//
// This package contains type definitions only. All other internal packages
// import model; model imports nothing internal.
//
// Key design constraints:
//   - Payloads are opaque bytes; nothing here interprets them
//   - Queue ordering uses Seq (logical clock), never wall-clock timestamps
//   - OperationKind is a closed variant: only the constructors in this
//     package can produce a valid kind
//   - All JSON tags use snake_case
package model
