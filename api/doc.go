// Package api holds the request and response shapes of the AgentRoom HTTP API.
//
// # API Overview
//
// AgentRoom exposes a small JSON API under /api/v1:
//   - rooms: create a room, add members, list tasks and the room message log
//   - tasks: create a task, read it with its step ledger and evaluations,
//     confirm or reject the requirement analysis, cancel
//   - a websocket stream per room carrying messages and task events
//
// # Authentication
//
// Requests carry a bearer JWT whose subject is the user id:
//
//	Authorization: Bearer <token>
//
// Browsers that cannot set headers on a websocket handshake may pass the
// token as the access_token query parameter instead. Every room-scoped call
// requires the caller to be a member of the room.
//
// # Responses
//
// Every JSON response uses the envelope
//
//	{"success": true, "data": ..., "timestamp": "...", "request_id": "..."}
//
// and failures carry {"error": {"code": "INVALID_TRANSITION", "message": "..."}}.
package api
