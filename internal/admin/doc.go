// Package admin serves the pool management API over HTTP using gin.
//
// Routes under /pool expose the pool snapshot, server CRUD, health and
// recovery triggers, selection and strategy changes. The actor for every
// mutation is read from the X-Actor header and travels in the request
// context into pool notifications, where the audit observer picks it up.
//
// Errors are written as
//
//	{"error": "<code>", "message": "<text>", "details": [{"field": "...", "message": "..."}]}
//
// with details present only for validation failures.
package admin
