package ingester

import (
	"flag"
	"time"

	"github.com/vantagehq/vantage/pkg/util"
)

// Config holds the admission and batching knobs of the ingest pipeline.
type Config struct {
	// QueueCapacity is the hard item bound of each per-signal admission
	// queue; a push that cannot fit even after shedding is rejected.
	QueueCapacity int `yaml:"queue_capacity"`

	// QueueHighwater is the item count past which the oldest entries are
	// shed. Zero means the capacity.
	QueueHighwater int `yaml:"queue_highwater"`

	// AdmissionTimeout bounds how long an export call waits for its batch
	// to commit before giving up with a retryable error.
	AdmissionTimeout time.Duration `yaml:"admission_timeout"`

	// MaxBatchItems, MaxBatchBytes and MaxBatchDelay close a batch,
	// whichever trips first.
	MaxBatchItems int           `yaml:"max_batch_items"`
	MaxBatchBytes int           `yaml:"max_batch_bytes"`
	MaxBatchDelay time.Duration `yaml:"max_batch_delay"`

	// BatchRetries bounds retries of a retryable WriteBatch failure.
	BatchRetries int `yaml:"batch_retries"`

	RetryMinBackoff time.Duration `yaml:"retry_min_backoff"`
	RetryMaxBackoff time.Duration `yaml:"retry_max_backoff"`

	// MaxAttributeBytes truncates oversized attribute values during
	// normalization.
	MaxAttributeBytes int `yaml:"max_attribute_bytes"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&c.QueueCapacity, util.PrefixConfig(prefix, "queue-capacity"), 50000, "Admission queue hard item cap, per signal.")
	f.IntVar(&c.QueueHighwater, util.PrefixConfig(prefix, "queue-highwater"), 40000, "Item count past which the oldest queued entries are shed. 0 means the capacity.")
	f.DurationVar(&c.AdmissionTimeout, util.PrefixConfig(prefix, "admission-timeout"), 10*time.Second, "How long an export waits for its batch to commit.")
	f.IntVar(&c.MaxBatchItems, util.PrefixConfig(prefix, "max-batch-items"), 2000, "Maximum items per storage batch.")
	f.IntVar(&c.MaxBatchBytes, util.PrefixConfig(prefix, "max-batch-bytes"), 4<<20, "Approximate maximum bytes per storage batch.")
	f.DurationVar(&c.MaxBatchDelay, util.PrefixConfig(prefix, "max-batch-delay"), 200*time.Millisecond, "Maximum time a batch waits for more items.")
	f.IntVar(&c.BatchRetries, util.PrefixConfig(prefix, "batch-retries"), 3, "Retries of a retryable storage failure before the batch is dropped.")
	f.DurationVar(&c.RetryMinBackoff, util.PrefixConfig(prefix, "retry-min-backoff"), 100*time.Millisecond, "Minimum backoff between batch retries.")
	f.DurationVar(&c.RetryMaxBackoff, util.PrefixConfig(prefix, "retry-max-backoff"), 5*time.Second, "Maximum backoff between batch retries.")
	f.IntVar(&c.MaxAttributeBytes, util.PrefixConfig(prefix, "max-attribute-bytes"), 4096, "Truncate attribute values beyond this many bytes.")
}
