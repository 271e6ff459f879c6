package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/armadaproject/burstbuffer/internal/burstbuffer/configuration"
	"github.com/armadaproject/burstbuffer/internal/common"
	commonconfig "github.com/armadaproject/burstbuffer/internal/common/config"
)

const (
	CustomConfigLocation string = "config"
	DefaultConfigPath    string = "./config/burstbuffer"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "burstbuffer",
		SilenceUsage: true,
		Short:        "Burst buffer allocation and accounting daemon",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	common.BindCommandlineArguments(cmd.PersistentFlags())

	cmd.AddCommand(
		runCmd(),
		configCmd(),
		sizeCmd(),
	)

	return cmd
}

func loadConfig() (configuration.Configuration, error) {
	var config configuration.Configuration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	if _, err := common.LoadConfig(&config, DefaultConfigPath, userSpecifiedConfigs); err != nil {
		return config, err
	}

	err := config.Validate()
	if err != nil {
		commonconfig.LogValidationErrors(err)
	}
	return config, err
}
