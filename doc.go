// Package hivehost provides the core of a hosted-bot container platform.
//
// Users provision, operate, and retire sandboxed bot containers through a
// conversational front end. The package tree is split by concern:
//
//   - registry: persisted mapping of user -> container records, ownership and quota
//   - runtime: adapter over the container engine (build/create/start/stop/remove/stats)
//   - chat: the collaborator contract for the conversational transport
//   - session: the interactive provisioning state machine
//   - lifecycle: stateless container operations, update and backup workflows
//   - serve: event routing, the Telegram bridge, and the status monitor
//
// The root package holds configuration and the shared error taxonomy.
package hivehost
