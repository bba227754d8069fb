// Package mcp implements the client-facing side of the gateway: JSON-RPC 2.0
// over newline-delimited streams.
//
// # Overview
//
// An MCP client (an AI agent runtime) talks to the gateway over one of two
// transports, both running the same loop:
//
//  1. Server: the process's stdin and stdout, enabled with MCP_STDIO.
//
//  2. SocketServer: a loopback TCP listener on 127.0.0.1:8084, enabled with
//     MCP_TCP. Every accepted connection is an independent session.
//
// Each line read is parsed as a request and answered with exactly one response
// line. Blank lines are skipped. A line that does not parse gets a -32700
// response with a null id and the connection stays open. Read and write
// failures end only the affected connection.
//
// # Dispatch
//
// The Dispatcher resolves a request against a closed route table:
//
//	ping, initialize, tools/list   answered locally
//	tools/call                     resolved by tool name (below)
//	anything else                  forwarded verbatim to the external agent
//
// tools/call names are either session tools (session-authorize,
// session-status), answered by the authorization guard and never forwarded,
// or browser tools translated to the external agent's method names:
//
//	playwright_navigate       navigate
//	playwright_click          click
//	playwright_fill           type (argument "value" renamed to "text")
//	playwright_screenshot     screenshot
//	playwright_detect_modal   detect_modal
//	playwright_dismiss_modal  dismiss_modal
//	passkey_*                 unchanged
//
// Unknown tool names yield -32601 without contacting the agent. A failed
// forward yields -32000 carrying the broker's message.
//
// # Timeouts
//
// Forwarded calls wait at most the broker's timeout (30 seconds by default).
// Response writes on TCP connections are bounded by SocketWriteTimeout.
package mcp
