// Package collab is the real-time collaboration layer: it tracks which
// sessions are connected to which project, relays edit, cursor and chat
// events between them, and cleans up after connections that go away.
package collab
