// Package mongo provides a MongoDB-backed checkpoint.Store. Checkpoints are
// stored one document per session key with the blob as binary data.
package mongo
