// Package domaincfg loads the daemon-level YAML configuration consumed by
// cmd/mxl-gc and other pkg/instance callers. It is not part of the
// on-disk domain layout (spec.md §6 describes that separately); this is
// ambient operator configuration, grounded on the teacher's own
// controlplane/pkg/yncp.LoadConfig shape: a DefaultConfig()+yaml.Unmarshal
// pair reading into the defaults rather than a zero value.
package domaincfg

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/mxlflow/mxl/common/go/logging"
	"github.com/mxlflow/mxl/internal/rational"
)

// GarbageCollectionConfig controls the periodic GC task run by
// pkg/instance, spec.md §4.8 "Periodic maintenance".
type GarbageCollectionConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// DefaultsConfig holds domain-level defaults, spec.md §6 "Configuration
// inputs". HistoryDurationNs feeds GrainCountForHistory and
// BufferLengthForHistory, and MaxMappingSize is applied by
// pkg/instance.CreateFlowWriter. CommitBatchHint and SyncBatchHint are
// loaded but not read by any package; manager.CreateOptions turns a zero
// hint into 1 on its own.
type DefaultsConfig struct {
	HistoryDurationNs int64  `yaml:"historyDurationNs"`
	CommitBatchHint   uint32 `yaml:"commitBatchHint"`
	SyncBatchHint     uint32 `yaml:"syncBatchHint"`

	// MaxMappingSize bounds the total mapped size a single flow creation
	// may allocate, zero meaning unbounded. Passed through to
	// manager.CreateOptions.MaxMappingSize by pkg/instance callers that
	// don't override it per flow.
	MaxMappingSize datasize.ByteSize `yaml:"maxMappingSize"`
}

// TAIConfig controls TAI clock approximation, spec.md §4.1 and Open
// Question OQ3.
type TAIConfig struct {
	LeapSeconds int64 `yaml:"leapSeconds"`
}

// Config is the top-level daemon configuration.
type Config struct {
	Logging           logging.Config          `yaml:"logging"`
	GarbageCollection GarbageCollectionConfig `yaml:"garbageCollection"`
	Defaults          DefaultsConfig          `yaml:"defaults"`
	TAI               TAIConfig               `yaml:"tai"`
}

// DefaultConfig returns the configuration used when no file overrides a
// field, mirroring the teacher's DefaultConfig+yaml.Unmarshal-into-it
// pattern.
func DefaultConfig() *Config {
	return &Config{
		Logging: logging.Config{
			Level: zapcore.InfoLevel,
		},
		GarbageCollection: GarbageCollectionConfig{
			Interval: 30 * time.Second,
		},
		Defaults: DefaultsConfig{
			HistoryDurationNs: int64(time.Second),
			CommitBatchHint:   1,
			SyncBatchHint:     1,
			MaxMappingSize:    4 * datasize.GB,
		},
		TAI: TAIConfig{
			LeapSeconds: rational.DefaultTAILeapSeconds,
		},
	}
}

// LoadConfig loads the configuration from path, falling back to
// DefaultConfig for any field the file does not set.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("domaincfg: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("domaincfg: parse %s: %w", path, err)
	}

	return cfg, nil
}

// GrainCountForHistory derives the per-flow grain count from the
// configured history duration and a discrete flow's frame period,
// spec.md's supplemented defaults: "per-flow grain count derived as
// ceil(history / framePeriod)".
func (c *Config) GrainCountForHistory(rate rational.Rational) uint32 {
	if !rate.Valid() {
		return 0
	}
	framePeriodNs := rational.IndexToTimestamp(rate, 1)
	if framePeriodNs <= 0 {
		return 0
	}
	n := c.Defaults.HistoryDurationNs / framePeriodNs
	if c.Defaults.HistoryDurationNs%framePeriodNs != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return uint32(n)
}

// BufferLengthForHistory derives the per-flow continuous buffer length
// from the configured history duration and a sample rate: "per-flow
// buffer length as ceil(history · sampleRate)".
func (c *Config) BufferLengthForHistory(rate rational.Rational) uint64 {
	if !rate.Valid() {
		return 0
	}
	num, den := rate.Numerator, rate.Denominator
	if den < 0 {
		num, den = -num, -den
	}
	if num < 0 || c.Defaults.HistoryDurationNs <= 0 {
		return 1
	}
	// ceil(history_ns * num / (den * 1e9)) with a wide intermediate.
	n := new(big.Int).Mul(big.NewInt(c.Defaults.HistoryDurationNs), big.NewInt(num))
	d := new(big.Int).Mul(big.NewInt(den), big.NewInt(int64(time.Second)))
	n.Add(n, d).Sub(n, big.NewInt(1)).Quo(n, d)
	if !n.IsInt64() {
		return 1
	}
	return n.Uint64()
}
