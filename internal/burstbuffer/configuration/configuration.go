package configuration

import (
	"time"

	"github.com/armadaproject/burstbuffer/internal/burstbuffer/size"
	"github.com/armadaproject/burstbuffer/internal/common/config"
)

type Configuration struct {
	// Path to burst_buffer.conf
	BurstBufferConfig string `validate:"required"`
	// Capacity assumed until GetSysState reports otherwise. Zero means unknown, in which case
	// allocations are not limited by capacity.
	TotalSpace size.Size
	// How often the maintenance cycle runs
	AgentInterval time.Duration `validate:"required"`
	// How long a job may be missing from the scheduler before its burst buffer is purged
	OrphanGracePeriod time.Duration `validate:"required"`
	// Maximum time to wait for a hook which has no configured timeout
	HookMaxWait time.Duration `validate:"required"`
	// Times GetSysState is run when it fails or times out before the capacity refresh is abandoned
	SysStateAttempts uint
	// Standard output retained from each hook run
	MaxHookOutputBytes int `validate:"gte=0"`
	// Number of user name and uid lookups to cache
	UserCacheSize uint32 `validate:"required"`
	// Largest priority boost which burst_buffer.conf may configure
	MaxNiceOffset uint32
	// Time allowed for background tasks to stop on shutdown
	ShutdownTimeout time.Duration
	// Log at debug level and dump the burst buffer configuration on load
	Debug   bool
	Metrics MetricsConfig
	Http    HttpConfig
}

type MetricsConfig struct {
	Port uint16 `validate:"required"`
	// How often the exported metrics are recomputed
	RefreshInterval time.Duration `validate:"required"`
}

type HttpConfig struct {
	Port uint16 `validate:"required"`
}

func (c Configuration) Validate() error {
	return config.Validate(c)
}
