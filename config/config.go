// Package config parses and validates the engine's durations-in-seconds,
// sizes-in-bytes configuration (spec section 6). Flags are registered
// with spf13/pflag the way calvinalkan-agent-task registers its CLI
// surface; validation raises (returns an error) at parse time rather
// than deferring bad values to runtime, per the "Exception use in
// source" design note.
package config

import (
	"fmt"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/pflag"
)

type DBStrategy string

const (
	SingleDB DBStrategy = "singleDB"
	MultiDB  DBStrategy = "multiDB"
)

type StoredValType string

const (
	StoredValSmall StoredValType = "small"
)

// Config mirrors every field spec.md section 6 names.
type Config struct {
	Dbname       string
	Initfile     string
	PostInitfile string

	DBStrategy DBStrategy
	DBShards   int

	Warmup             bool
	WaitForWarmup      bool
	FailPartialWarmup  bool
	VB0                bool

	HTSize        int
	HTLocks       int
	StoredValType StoredValType

	MaxSize    datasize.ByteSize
	MemLowWat  datasize.ByteSize
	MemHighWat datasize.ByteSize

	MaxTxnSize int

	MinDataAge  int
	QueueAgeCap int

	BGFetchDelay int

	ExpiryWindow  int
	ExpPagerSTime int

	VBDelChunkSize int

	MaxItemSize datasize.ByteSize

	// Tap parameters are retained but inert and have no command-line
	// flag: tap book-keeping is out of scope (spec section 1).
	TapKeepAlive int
}

// Default returns the configuration the source ships as defaults.
func Default() *Config {
	c := &Config{
		Dbname:         "./data",
		DBStrategy:     SingleDB,
		DBShards:       4,
		Warmup:         true,
		WaitForWarmup:  true,
		HTSize:         3079,
		HTLocks:        193,
		StoredValType:  StoredValSmall,
		MaxTxnSize:     250000,
		MinDataAge:     0,
		QueueAgeCap:    900,
		BGFetchDelay:   0,
		ExpiryWindow:   3,
		ExpPagerSTime:  3600,
		VBDelChunkSize: 1000,
		MaxItemSize:    20 * datasize.MB,
	}
	c.MaxSize = 100 * datasize.MB
	c.applyWatermarks()
	return c
}

// applyWatermarks resets mem_low_wat/mem_high_wat to 60%/75% of
// max_size, the side effect spec.md section 6 documents for max_size.
func (c *Config) applyWatermarks() {
	c.MemLowWat = datasize.ByteSize(float64(c.MaxSize) * 0.60)
	c.MemHighWat = datasize.ByteSize(float64(c.MaxSize) * 0.75)
}

// SetMaxSize updates max_size and recomputes the watermarks.
func (c *Config) SetMaxSize(sz datasize.ByteSize) {
	c.MaxSize = sz
	c.applyWatermarks()
}

// byteSizeFlag adapts a *datasize.ByteSize field to pflag.Value:
// datasize.ByteSize only implements encoding.TextUnmarshaler, not
// pflag.Value, so flags on it need this thin wrapper.
type byteSizeFlag struct{ v *datasize.ByteSize }

func (f byteSizeFlag) String() string {
	if f.v == nil {
		return ""
	}
	return f.v.String()
}

func (f byteSizeFlag) Set(s string) error { return f.v.UnmarshalText([]byte(s)) }

func (f byteSizeFlag) Type() string { return "byteSize" }

// maxSizeFlag is byteSizeFlag's counterpart for max_size: setting it
// must go through SetMaxSize so mem_low_wat/mem_high_wat stay derived.
type maxSizeFlag struct{ c *Config }

func (f maxSizeFlag) String() string {
	if f.c == nil {
		return ""
	}
	return f.c.MaxSize.String()
}

func (f maxSizeFlag) Set(s string) error {
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(s)); err != nil {
		return err
	}
	f.c.SetMaxSize(v)
	return nil
}

func (f maxSizeFlag) Type() string { return "byteSize" }

// RegisterFlags wires c's fields onto a pflag.FlagSet so a cmd/ binary
// can parse them from argv, in the spirit of the pack's pflag-based CLI
// registration.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Dbname, "dbname", c.Dbname, "backend data directory")
	fs.StringVar(&c.Initfile, "initfile", c.Initfile, "backend init script")
	fs.StringVar(&c.PostInitfile, "postInitfile", c.PostInitfile, "backend post-init script")
	fs.StringVar((*string)(&c.DBStrategy), "db_strategy", string(c.DBStrategy), "singleDB or multiDB")
	fs.IntVar(&c.DBShards, "db_shards", c.DBShards, "shard count for multiDB")
	fs.BoolVar(&c.Warmup, "warmup", c.Warmup, "load persisted data at startup")
	fs.BoolVar(&c.WaitForWarmup, "waitforwarmup", c.WaitForWarmup, "block startup until warmup completes")
	fs.BoolVar(&c.FailPartialWarmup, "failpartialwarmup", c.FailPartialWarmup, "abort on partial warmup failure")
	fs.BoolVar(&c.VB0, "vb0", c.VB0, "bootstrap vbucket 0 in Active")
	fs.IntVar(&c.HTSize, "ht_size", c.HTSize, "hash table bucket count")
	fs.IntVar(&c.HTLocks, "ht_locks", c.HTLocks, "hash table stripe lock count")
	fs.IntVar(&c.MaxTxnSize, "max_txn_size", c.MaxTxnSize, "max mutations per backend transaction")
	fs.IntVar(&c.MinDataAge, "min_data_age", c.MinDataAge, "minimum seconds before a dirty item is flush-eligible")
	fs.IntVar(&c.QueueAgeCap, "queue_age_cap", c.QueueAgeCap, "force flush eligibility once queued this long")
	fs.IntVar(&c.BGFetchDelay, "bg_fetch_delay", c.BGFetchDelay, "artificial bg-fetch delay, for tests")
	fs.IntVar(&c.ExpiryWindow, "expiry_window", c.ExpiryWindow, "grace seconds applied to flush-time expiry")
	fs.IntVar(&c.ExpPagerSTime, "exp_pager_stime", c.ExpPagerSTime, "expired-item pager sleep period")
	fs.IntVar(&c.VBDelChunkSize, "vb_del_chunk_size", c.VBDelChunkSize, "rows per chunked-deletion batch")
	fs.Var(maxSizeFlag{c}, "max_size", "max resident value bytes; recomputes mem_low_wat/mem_high_wat")
	fs.Var(byteSizeFlag{&c.MaxItemSize}, "max_item_size", "largest value set/add accepts")
}

// Validate enforces the ranges spec.md section 6 documents, raising at
// configuration time rather than failing a later request.
func (c *Config) Validate() error {
	if c.MaxTxnSize < 1 || c.MaxTxnSize > 10_000_000 {
		return fmt.Errorf("config: max_txn_size %d out of range [1, 10000000]", c.MaxTxnSize)
	}
	if c.MinDataAge < 0 || c.MinDataAge > 86400 {
		return fmt.Errorf("config: min_data_age %d out of range [0, 86400]", c.MinDataAge)
	}
	if c.QueueAgeCap < 0 || c.QueueAgeCap > 86400 {
		return fmt.Errorf("config: queue_age_cap %d out of range [0, 86400]", c.QueueAgeCap)
	}
	if c.BGFetchDelay < 0 || c.BGFetchDelay > 900 {
		return fmt.Errorf("config: bg_fetch_delay %d out of range [0, 900]", c.BGFetchDelay)
	}
	if c.HTLocks >= c.HTSize {
		return fmt.Errorf("config: ht_locks %d must be < ht_size %d", c.HTLocks, c.HTSize)
	}
	if c.DBStrategy != SingleDB && c.DBStrategy != MultiDB {
		return fmt.Errorf("config: db_strategy %q must be singleDB or multiDB", c.DBStrategy)
	}
	if c.DBShards < 1 {
		return fmt.Errorf("config: db_shards must be >= 1")
	}
	if c.VBDelChunkSize < 1 {
		return fmt.Errorf("config: vb_del_chunk_size must be >= 1")
	}
	return nil
}
