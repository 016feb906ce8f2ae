// Package registry holds the in-memory room, peer and media resource tables
// shared by every signaling connection.
//
// Each table has its own mutex. Operations that touch more than one table
// acquire them in a fixed order: rooms, peers, transports, producers,
// consumers. Nothing in this package calls the media engine; callers copy what
// they need out of a lookup or Cascade, release, and only then call out.
package registry
