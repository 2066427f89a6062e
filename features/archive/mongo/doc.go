// Package mongo archives workflows evicted by the cleanup scheduler to
// MongoDB. Build the low-level client via features/archive/mongo/clients/mongo
// and pass it to NewArchive.
package mongo
