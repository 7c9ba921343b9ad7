// Package config loads worker tunables the way weed/util/config.go loads
// seaweedfs settings: a viper-backed search across a fixed set of paths,
// merged with environment overrides, exposed as a typed struct.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rsslabs/shuffle/internal/glog"
)

// Config holds every tunable named in the spec's component sections.
type Config struct {
	// Buffer pool / memory tracker (spec §4.1)
	BufferSlabSize      int
	PauseReplicateRatio float64
	PausePushRatio      float64
	ResumeRatio         float64
	MaxDirectMemory     int64

	// Disk flusher (spec §4.2)
	FlusherQueueDepth    int
	FlusherThreadsPerDisk int
	SlowFlushThreshold   time.Duration

	// Device monitor (spec §4.3)
	DeviceProbeInterval time.Duration

	// File writer (spec §4.4)
	FlushBufferSize   int
	SplitThreshold    uint64
	HardSplit         bool
	FlushTimeout      time.Duration
	ChunkSize         int

	// Congestion controller (spec §4.6)
	CongestionWindow      time.Duration
	HighWatermark         int64
	LowWatermark          int64
	UserInactiveTimeout   time.Duration
	PerUserRateCap        int64
	PerWorkerRateCap      int64
	CongestionDelay       time.Duration
	CongestionCheckPeriod time.Duration

	// Fetch / chunk server (spec §4.7)
	InitialCredit int

	// Data pusher (client, spec §4.8)
	PushQueueCapacity     int
	MaxInFlightPerWorker  int
	PushDataTimeout       time.Duration
	PushMaxRetry          int

	// Input stream (client, spec §4.9)
	FetchMaxRetry                    int
	FetchRetryWait                   time.Duration
	FetchExcludedWorkerExpireTimeout time.Duration
	ShuffleCompressionEnabled        bool
	ShuffleIntegrityCheckEnabled     bool
}

// Defaults mirrors the numeric defaults called out in spec.md.
func Defaults() *Config {
	return &Config{
		BufferSlabSize:      64 * 1024,
		PauseReplicateRatio: 0.95,
		PausePushRatio:      0.9,
		ResumeRatio:         0.7,
		MaxDirectMemory:     4 << 30,

		FlusherQueueDepth:     256,
		FlusherThreadsPerDisk: 2,
		SlowFlushThreshold:    5 * time.Second,

		DeviceProbeInterval: 60 * time.Second,

		FlushBufferSize: 256 * 1024,
		SplitThreshold:  256 << 20,
		HardSplit:       false,
		FlushTimeout:    10 * time.Second,
		ChunkSize:       8 << 20,

		CongestionWindow:      10 * time.Second,
		HighWatermark:         512 << 20,
		LowWatermark:          256 << 20,
		UserInactiveTimeout:   2 * time.Second,
		PerUserRateCap:        0,
		PerWorkerRateCap:      0,
		CongestionDelay:       200 * time.Millisecond,
		CongestionCheckPeriod: 1 * time.Second,

		InitialCredit: 16,

		PushQueueCapacity:    64,
		MaxInFlightPerWorker: 32,
		PushDataTimeout:      120 * time.Second,
		PushMaxRetry:         3,

		FetchMaxRetry:                    3,
		FetchRetryWait:                   3 * time.Second,
		FetchExcludedWorkerExpireTimeout: 30 * time.Second,
		ShuffleCompressionEnabled:        true,
		ShuffleIntegrityCheckEnabled:     true,
	}
}

// Load searches the usual paths for <configFileName>.toml and, when one
// is found, overrides the defaults for the six keys read below; each of
// those keys may also come from an environment variable (RSS_ prefixed,
// dots replaced by underscores). Every other field keeps its default.
// Missing config files are not an error: Defaults() is returned as is,
// without consulting environment variables.
func Load(configFileName string) *Config {
	c := Defaults()

	v := viper.New()
	v.SetConfigName(configFileName)
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.rss")
	v.AddConfigPath("/etc/rss/")
	v.AutomaticEnv()
	v.SetEnvPrefix("rss")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			glog.Warningf("reading %s.toml: %v", configFileName, err)
		}
		return c
	}

	if v.IsSet("buffer_slab_size") {
		c.BufferSlabSize = v.GetInt("buffer_slab_size")
	}
	if v.IsSet("pause_push_ratio") {
		c.PausePushRatio = v.GetFloat64("pause_push_ratio")
	}
	if v.IsSet("pause_replicate_ratio") {
		c.PauseReplicateRatio = v.GetFloat64("pause_replicate_ratio")
	}
	if v.IsSet("resume_ratio") {
		c.ResumeRatio = v.GetFloat64("resume_ratio")
	}
	if v.IsSet("split_threshold") {
		c.SplitThreshold = uint64(v.GetInt64("split_threshold"))
	}
	if v.IsSet("flush_buffer_size") {
		c.FlushBufferSize = v.GetInt("flush_buffer_size")
	}
	return c
}
