// Package mongo provides a MongoDB-backed memory.Provider storing one
// document per block.
package mongo
