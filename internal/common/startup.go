package common

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/weaveworks/promrus"

	commonconfig "github.com/armadaproject/burstbuffer/internal/common/config"
)

// EnvPrefix is prepended to environment variables overriding configuration, e.g.
// BURSTBUFFER_AGENTINTERVAL=30s.
const EnvPrefix = "BURSTBUFFER"

// LoadConfig reads config.yaml from defaultPath, merges each of overrideConfigs over it, applies
// environment overrides and unmarshals the result into config.
func LoadConfig(config interface{}, defaultPath string, overrideConfigs []string) (*viper.Viper, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigName("config")
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "error reading base config path=%s", defaultPath)
	}
	log.Infof("Read base config from %s", v.ConfigFileUsed())

	for _, overrideConfig := range overrideConfigs {
		v.SetConfigFile(overrideConfig)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(err, "error reading config from %s", overrideConfig)
		}
		log.Infof("Read config from %s", v.ConfigFileUsed())
	}

	v.SetEnvKeyReplacer(strings.NewReplacer("::", "_"))
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(config, commonconfig.CustomHooks...); err != nil {
		return nil, errors.WithStack(err)
	}
	return v, nil
}

// BindCommandlineArguments makes flags available through the global viper instance.
func BindCommandlineArguments(flags *pflag.FlagSet) {
	if err := viper.BindPFlags(flags); err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

// ConfigureLogging sets up the standard logger and counts logged messages per level in the default
// prometheus registry. It must only be called once.
func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
	log.AddHook(promrus.MustNewPrometheusHook())
}

// ServeMetrics exposes the metrics of the default prometheus registry on port.
func ServeMetrics(port uint16) (shutdown func()) {
	return ServeMetricsFor(port, prometheus.DefaultGatherer)
}

// ServeMetricsFor exposes the metrics gathered by gatherer on port under /metrics.
func ServeMetricsFor(port uint16, gatherer prometheus.Gatherer) (shutdown func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return ServeHttp(port, mux)
}

// ServeHttp serves handler on port in the background. The returned function shuts the server
// down, waiting up to five seconds for in-flight requests.
func ServeHttp(port uint16, handler http.Handler) (shutdown func()) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infof("Listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Errorf("http server on %s failed", srv.Addr)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Infof("Stopping http server listening on %s", srv.Addr)
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Warnf("http server on %s didn't shut down cleanly", srv.Addr)
		}
	}
}
