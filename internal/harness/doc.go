// Package harness runs scripted sync scenarios against the real engine.
//
// A scenario drives a fresh store, queue, cache and engine through a list of
// steps with a fake clock and an in-memory remote, records everything that
// happened as a trace, and evaluates assertions on the trace and final
// state. Traces are deterministic, so they can be compared with golden files.
//
// # Scenario Format
//
//	name: update_then_delete_offline
//	description: "Queued update and delete reach the remote in order"
//	config:
//	  max_attempts: 3
//	  base_backoff: 1s
//	setup:
//	  remote:
//	    - key: notes/1
//	      value: '{"title":"draft"}'
//	steps:
//	  - connectivity: offline
//	  - enqueue: { id: u1, kind: update, path: notes/1, body: '{"title":"final"}' }
//	  - enqueue: { id: d1, kind: delete, path: notes/1 }
//	  - connectivity: online
//	  - sync:
//	      expect: { state: completed, synced: 2 }
//	assertions:
//	  - type: delivery_order
//	    ids: [u1, d1]
//	  - type: remote_state
//	    key: notes/1
//	    absent: true
//
// # Steps
//
// Every step does exactly one thing:
//
//   - enqueue: append an action to the queue
//   - script: make the next deliveries of an action fail (network, timeout,
//     conflict, rejected, lost_ack)
//   - connectivity: online or offline; offline makes the remote unreachable
//   - sync: run one pass now, optionally checking its outcome
//   - advance: move the fake clock forward
//   - requeue, acknowledge: resolve a terminally failed action
//   - cache_put, cache_get: use the content cache directly
//
// # Assertion Types
//
//   - trace_contains: an event of the given type (and id) occurred
//   - trace_order: events for the given ids occurred in order
//   - trace_count: an event type (and id) occurred exactly N times
//   - action_status: final status and attempt count of an action
//   - remote_state: a remote resource exists with a value, or is absent
//   - cache_entry: a cache entry exists with a value, or is absent
//   - delivery_order: the order in which actions were first applied remotely
//   - delivery_count: how many delivery attempts an action saw
//   - applied_count: how many distinct actions the remote applied
package harness
