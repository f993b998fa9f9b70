// Package cell implements a single-file event buffer with durable consumer
// cursors.
//
// Each cell keeps one append-only data file plus side metadata files:
//
//	data.log          one line per event: [SEQ, EVENT_JSON, CRC32]
//	metadata.json     sequence range and byte positions of the data file
//	consumers.json    names of active consumers
//	consumer_X.json   per-consumer cursor (next sequence and byte position)
//	attachments/      attachment files, named SEQ_ATTID
//
// Sequence numbers and byte positions in metadata are absolute with respect
// to the original untruncated data file. Truncation removes fully consumed
// records from the head of the file; start_pos records how many bytes were
// cut so cursors stay valid.
//
// Metadata is versioned to survive a crash between rewriting the data file
// and updating metadata. The version key is the CRC32 of the data file's
// first line. Before a truncate rewrites the data file, metadata is written
// containing both the old and the new version; on startup the version
// matching the first line on disk wins.
package cell
