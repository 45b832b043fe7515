package kv

// Bucket layout. Records are stored as JSON under their id; queries scan
// and filter, which is fine at worker scale where a batch holds at most a
// few thousand jobs.
var (
	tenantsBucket   = []byte("tenants")
	templatesBucket = []byte("templates")
	batchesBucket   = []byte("batches")
	jobsBucket      = []byte("jobs")

	// jobsByBatchBucket indexes job ids under batchID+jobID so batch
	// scoped scans avoid walking every job.
	jobsByBatchBucket = []byte("jobs-by-batch")
)

func batchIndexKey(batchID, jobID string) []byte {
	key := make([]byte, 0, len(batchID)+1+len(jobID))
	key = append(key, batchID...)
	key = append(key, 0x00)
	key = append(key, jobID...)
	return key
}

func batchIndexPrefix(batchID string) []byte {
	prefix := make([]byte, 0, len(batchID)+1)
	prefix = append(prefix, batchID...)
	return append(prefix, 0x00)
}
