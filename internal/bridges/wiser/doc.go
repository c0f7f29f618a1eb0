// Package wiser synchronises a Wiser-by-Feller gateway with the host state store.
//
// The gateway exposes two transports: a REST API for inventory, metadata
// and commands, and a WebSocket event stream carrying live load and flag
// state. This package owns both.
//
// # Architecture
//
//	┌──────────────┐   REST    ┌────────────────┐   Set(ack)   ┌──────────────┐
//	│    Wiser     │◄─────────►│     Bridge     │─────────────►│  state.Store │
//	│   Gateway    │ WebSocket │ (this package) │◄─────────────│  (host data) │
//	└──────────────┘──────────►└────────────────┘ HandleCommand└──────────────┘
//
// # Components
//
//   - Registry: immutable load index swapped atomically on every inventory
//   - Client: bearer-authenticated REST calls wrapped in the gateway envelope
//   - Translator: event frames to state writes, user writes to target states
//   - Manager: the single WebSocket session with heartbeat and backoff
//   - Bootstrap: the ordered metadata sequence that builds the object tree
//
// # State Paths
//
// Every load attribute is addressed as <device>.<device>_<load>.<attribute>:
//
//	A1.A1_7.ACTIONS.BRI        brightness of load 7 on device A1
//	M2.M2_3.ACTIONS.LEVEL      blind level of load 3 on device M2
//	M2.M2_3.flags.locked       motor flag
//
// Gateway-wide states live under info.* and system.*.
//
// # Session Lifecycle
//
// The manager opens the event stream only after the first inventory, sends
// a dump request on every open and pings every 30s. A missing pong after
// 31s or an abnormal close schedules a reconnect after 5s, escalating to
// 5min after repeated failures. A normal close (1000) is final.
package wiser
