// Package agent runs LLM agents with tool access: a bounded loop that sends
// the conversation to a Provider, executes requested tools from the registry
// and stops when the model ends its turn or a tool-call or token budget runs out.
package agent
