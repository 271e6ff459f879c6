package bbconfig

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/armadaproject/burstbuffer/internal/burstbuffer/users"
)

// Describe renders every setting as a tab-aligned table, one key per line.
func Describe(c *Config, resolver users.Resolver) string {
	sb := &strings.Builder{}
	w := tabwriter.NewWriter(sb, 1, 1, 1, ' ', 0)
	row := func(key string, value interface{}) {
		// strings.Builder never returns an error
		_, _ = fmt.Fprintf(w, "%s:\t%v\n", key, value)
	}
	row(AllowUsersKey, users.Format(c.AllowUsers, resolver))
	row(DenyUsersKey, users.Format(c.DenyUsers, resolver))
	row(DebugKey, c.Debug)
	row(GetSysStateKey, c.GetSysState)
	row(JobSizeLimitKey, FormatLimit(c.JobSizeLimit))
	row(PrioBoostAllocKey, c.PrioBoostAlloc)
	row(PrioBoostUseKey, c.PrioBoostUse)
	row(StageInTimeoutKey, c.StageInTimeout)
	row(StageOutTimeoutKey, c.StageOutTimeout)
	row(StartStageInKey, c.StartStageIn)
	row(StartStageOutKey, c.StartStageOut)
	row(StopStageInKey, c.StopStageIn)
	row(StopStageOutKey, c.StopStageOut)
	row(UserSizeLimitKey, FormatLimit(c.UserSizeLimit))
	_ = w.Flush()
	return sb.String()
}
