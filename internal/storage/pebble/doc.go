// Package pebblestore wraps Pebble for the archive output plugin: a durable
// key/value store with a node-level fsync policy, batches for atomic
// multi-event writes, and an optional metrics hook.
//
// Usage:
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: dir,
//	    Fsync:   pebblestore.FsyncModeInterval,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	b := db.NewBatch()
//	_ = b.Set(key, value, nil)
//	_ = db.CommitBatch(b)
//	b.Close()
package pebblestore
