package metrics

import "github.com/prometheus/client_golang/prometheus"

const MetricPrefix = "burstbuffer_"

var TotalSpaceDesc = prometheus.NewDesc(
	MetricPrefix+"total_space",
	"Total burst buffer capacity, in GB or nodes",
	[]string{"unit"},
	nil,
)

var UsedSpaceDesc = prometheus.NewDesc(
	MetricPrefix+"used_space",
	"Burst buffer capacity held by allocations, in GB or nodes",
	[]string{"unit"},
	nil,
)

var AllocationCountDesc = prometheus.NewDesc(
	MetricPrefix+"allocations",
	"Number of burst buffer allocations in each state",
	[]string{"state", "persistent"},
	nil,
)

var UserLoadDesc = prometheus.NewDesc(
	MetricPrefix+"user_load",
	"Burst buffer capacity held by a user, in GB or nodes",
	[]string{"userId", "unit"},
	nil,
)

var ConfigLoadTimeDesc = prometheus.NewDesc(
	MetricPrefix+"config_load_time_seconds",
	"Unix time at which the burst buffer configuration was last loaded",
	nil,
	nil,
)

var AllDescs = []*prometheus.Desc{
	TotalSpaceDesc,
	UsedSpaceDesc,
	AllocationCountDesc,
	UserLoadDesc,
	ConfigLoadTimeDesc,
}

func Describe(out chan<- *prometheus.Desc) {
	for _, desc := range AllDescs {
		out <- desc
	}
}
