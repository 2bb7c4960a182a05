// Adapted from turbo-geth's common/dbutils/bucket.go: the bucket/DBI
// naming and BucketConfigItem shape it uses for LMDB table layout,
// narrowed down to the two tables spec section 6 names.
package lmdbstore

import "github.com/ledgerwatch/lmdb-go/lmdb"

// Bucket (DBI) names for the two logical tables of spec section 6.
const (
	// RowsBucket: rowID (8-byte big endian) -> encoded Row. Row-id is
	// the primary key.
	RowsBucket = "rows"
	// KeyIndexBucket: key -> rowID (8-byte big endian), a secondary
	// index so Get/Del can be called by key alone.
	KeyIndexBucket = "keyidx"
	// VBStateBucket: vbid(2)+version(2) big endian -> state string.
	VBStateBucket = "vbstate"
)

var buckets = []string{RowsBucket, KeyIndexBucket, VBStateBucket}

// BucketConfigItem mirrors the teacher's per-bucket DBI flags.
type BucketConfigItem struct {
	Flags uint
}

var bucketConfigs = map[string]BucketConfigItem{
	RowsBucket:     {Flags: 0},
	KeyIndexBucket: {Flags: 0},
	VBStateBucket:  {Flags: 0},
}

// openBuckets creates every known bucket's DBI, the way
// NewMemDatabase's commented-out bolt path walks dbutils.Buckets at
// open time.
func openBuckets(txn *lmdb.Txn) (map[string]lmdb.DBI, error) {
	dbis := make(map[string]lmdb.DBI, len(buckets))
	for _, name := range buckets {
		cfg := bucketConfigs[name]
		dbi, err := txn.OpenDBI(name, uint(lmdb.Create)|cfg.Flags)
		if err != nil {
			return nil, err
		}
		dbis[name] = dbi
	}
	return dbis, nil
}
