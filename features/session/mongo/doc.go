// Package mongo provides a MongoDB-backed session.Store. Build the low-level
// client with features/session/mongo/clients/mongo and pass it to NewStore.
package mongo
