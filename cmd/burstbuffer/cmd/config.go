package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/armadaproject/burstbuffer/internal/burstbuffer/bbconfig"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/users"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config [burst_buffer.conf]",
		Short: "Loads and prints the burst buffer configuration",
		Long: "Loads burst_buffer.conf and prints the resulting settings. If no path is given the " +
			"path named by the daemon configuration is used.",
		Args: cobra.MaximumNArgs(1),
		RunE: printConfig,
	}
	cmd.Flags().StringP("output", "o", "table", "Output format, one of table or yaml")
	return cmd
}

// configView is the yaml form of a loaded configuration.
type configView struct {
	AllowUsers      string `json:"allowUsers,omitempty"`
	DenyUsers       string `json:"denyUsers,omitempty"`
	Debug           bool   `json:"debug"`
	GetSysState     string `json:"getSysState,omitempty"`
	JobSizeLimit    string `json:"jobSizeLimit"`
	PrioBoostAlloc  uint32 `json:"prioBoostAlloc"`
	PrioBoostUse    uint32 `json:"prioBoostUse"`
	StageInTimeout  uint32 `json:"stageInTimeout"`
	StageOutTimeout uint32 `json:"stageOutTimeout"`
	StartStageIn    string `json:"startStageIn,omitempty"`
	StartStageOut   string `json:"startStageOut,omitempty"`
	StopStageIn     string `json:"stopStageIn,omitempty"`
	StopStageOut    string `json:"stopStageOut,omitempty"`
	UserSizeLimit   string `json:"userSizeLimit"`
}

func newConfigView(c *bbconfig.Config, resolver users.Resolver) configView {
	return configView{
		AllowUsers:      users.Format(c.AllowUsers, resolver),
		DenyUsers:       users.Format(c.DenyUsers, resolver),
		Debug:           c.Debug,
		GetSysState:     c.GetSysState,
		JobSizeLimit:    bbconfig.FormatLimit(c.JobSizeLimit),
		PrioBoostAlloc:  c.PrioBoostAlloc,
		PrioBoostUse:    c.PrioBoostUse,
		StageInTimeout:  c.StageInTimeout,
		StageOutTimeout: c.StageOutTimeout,
		StartStageIn:    c.StartStageIn,
		StartStageOut:   c.StartStageOut,
		StopStageIn:     c.StopStageIn,
		StopStageOut:    c.StopStageOut,
		UserSizeLimit:   bbconfig.FormatLimit(c.UserSizeLimit),
	}
}

func printConfig(cmd *cobra.Command, args []string) error {
	output, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}
	if output != "table" && output != "yaml" {
		return errors.Errorf("unknown output format %q", output)
	}

	var path string
	if len(args) == 1 {
		path = args[0]
	} else {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		path = config.BurstBufferConfig
	}

	resolver := users.OSResolver{}
	c, err := bbconfig.NewLoader(resolver).Load(path)
	if err != nil {
		return errors.WithMessagef(err, "error loading %s", path)
	}
	if output == "yaml" {
		b, err := yaml.Marshal(newConfigView(c, resolver))
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = cmd.OutOrStdout().Write(b)
		return err
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), bbconfig.Describe(c, resolver))
	return err
}
