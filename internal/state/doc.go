// Package state is the host state store: a tree of device, channel and
// state objects persisted in SQLite, with the current value of every state.
//
// Values written by the gateway engine carry ack=true. User writes (API or
// MQTT) are stored with ack=false and, for actionable states, are handed to
// the registered command handlers, which translate them into gateway
// commands. Every stored value is fanned out to mirrors (MQTT) and numeric
// values to recorders (InfluxDB).
package state
