// Package relay is the event-driven core of a personal AI assistant.
//
// Stateless workers coordinate over a shared pub/sub + key/value fabric
// (the Bus): channel adapters publish incoming messages, the Orchestrator
// claims a task per message and drives it through model calls and sandboxed
// skill invocations, and replies stream back to the originating channel as
// sequence-ordered token envelopes. A multi-tenant MCP gateway lets external
// AI clients push notifications and confirmation requests into the same
// human channel, correlated across processes through the Bus.
//
// The root package holds the domain: envelope schema, task lifecycle,
// orchestrator state machine, agents, skill registry, sandbox and audit
// contracts. Infrastructure lives in subpackages (bus/redisbus, store/sqlite,
// provider/openaicompat, frontend/telegram, mcp).
package relay
