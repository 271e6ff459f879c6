// Package bbconfig loads burst_buffer.conf, the burst buffer's limits, hooks and user lists.
package bbconfig

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/armadaproject/burstbuffer/internal/burstbuffer/size"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/users"
)

// DefaultNiceOffset is the largest priority boost that may be configured.
const DefaultNiceOffset uint32 = 10000

// Recognised configuration keys.
const (
	AllowUsersKey      = "AllowUsers"
	DebugKey           = "Debug"
	DenyUsersKey       = "DenyUsers"
	GetSysStateKey     = "GetSysState"
	JobSizeLimitKey    = "JobSizeLimit"
	PrioBoostAllocKey  = "PrioBoostAlloc"
	PrioBoostUseKey    = "PrioBoostUse"
	StageInTimeoutKey  = "StageInTimeout"
	StageOutTimeoutKey = "StageOutTimeout"
	StartStageInKey    = "StartStageIn"
	StartStageOutKey   = "StartStageOut"
	StopStageInKey     = "StopStageIn"
	StopStageOutKey    = "StopStageOut"
	UserSizeLimitKey   = "UserSizeLimit"
)

var knownKeys = []string{
	AllowUsersKey, DebugKey, DenyUsersKey, GetSysStateKey, JobSizeLimitKey, PrioBoostAllocKey, PrioBoostUseKey,
	StageInTimeoutKey, StageOutTimeoutKey, StartStageInKey, StartStageOutKey, StopStageInKey, StopStageOutKey,
	UserSizeLimitKey,
}

// Config is the burst buffer configuration. A Config is never modified after loading; a reload
// produces a new Config which replaces the old one wholesale.
type Config struct {
	AllowUsers []uint32
	// AllowUsersStr is AllowUsers as originally written, for display.
	AllowUsersStr string
	DenyUsers     []uint32
	DenyUsersStr  string
	Debug         bool
	GetSysState   string
	// Largest buffer a single job may hold; nil means unlimited.
	JobSizeLimit   *size.Size
	PrioBoostAlloc uint32
	PrioBoostUse   uint32
	// Stage in/out timeouts in seconds; zero means no timeout.
	StageInTimeout  uint32
	StageOutTimeout uint32
	StartStageIn    string
	StartStageOut   string
	StopStageIn     string
	StopStageOut    string
	// Largest total of buffers a single user may hold; nil means unlimited.
	UserSizeLimit *size.Size
}

// Default returns the configuration in force when no keys are set.
func Default() *Config {
	return &Config{}
}

func (c *Config) StageInTimeoutDuration() time.Duration {
	return time.Duration(c.StageInTimeout) * time.Second
}

func (c *Config) StageOutTimeoutDuration() time.Duration {
	return time.Duration(c.StageOutTimeout) * time.Second
}

// UserPermitted returns false if uid is in the deny list, or the allow list is non-empty and
// doesn't contain uid.
func (c *Config) UserPermitted(uid uint32) bool {
	if users.Contains(c.DenyUsers, uid) {
		return false
	}
	return len(c.AllowUsers) == 0 || users.Contains(c.AllowUsers, uid)
}

// Loader reads burst buffer configuration files.
type Loader struct {
	Resolver users.Resolver
	// Priority boosts larger than this are clamped.
	MaxNiceOffset uint32
}

func NewLoader(resolver users.Resolver) *Loader {
	return &Loader{
		Resolver:      resolver,
		MaxNiceOffset: DefaultNiceOffset,
	}
}

// Load reads the configuration file at path. Files are read as Key=Value properties unless their
// extension names another format viper understands, e.g. ".yaml".
//
// An error is returned only if the file can't be read. Individual keys with malformed values are
// logged and take the value zero; unknown keys are logged and ignored.
func (l *Loader) Load(path string) (*Config, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	v := viper.New()
	v.SetConfigFile(path)
	if !isViperExtension(filepath.Ext(path)) {
		v.SetConfigType("properties")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "something wrong with opening/reading %s", path)
	}
	warnUnknownKeys(v, path)

	c := Default()
	if v.IsSet(AllowUsersKey) {
		c.AllowUsersStr = v.GetString(AllowUsersKey)
		c.AllowUsers = users.Parse(c.AllowUsersStr, l.Resolver)
	}
	if v.IsSet(DenyUsersKey) {
		c.DenyUsersStr = v.GetString(DenyUsersKey)
		c.DenyUsers = users.Parse(c.DenyUsersStr, l.Resolver)
	}
	if v.IsSet(DebugKey) {
		debug, err := strconv.ParseBool(strings.TrimSpace(v.GetString(DebugKey)))
		if err != nil {
			log.Warnf("%s: invalid value %q for %s", path, v.GetString(DebugKey), DebugKey)
		}
		c.Debug = debug
	}
	c.GetSysState = getPath(v, GetSysStateKey)
	if v.IsSet(JobSizeLimitKey) {
		limit := size.AsLimit(size.Parse(v.GetString(JobSizeLimitKey)))
		c.JobSizeLimit = &limit
	}
	c.PrioBoostAlloc = l.prioBoost(v, PrioBoostAllocKey)
	c.PrioBoostUse = l.prioBoost(v, PrioBoostUseKey)
	c.StageInTimeout = getUint32(v, StageInTimeoutKey)
	c.StageOutTimeout = getUint32(v, StageOutTimeoutKey)
	c.StartStageIn = getPath(v, StartStageInKey)
	c.StartStageOut = getPath(v, StartStageOutKey)
	c.StopStageIn = getPath(v, StopStageInKey)
	c.StopStageOut = getPath(v, StopStageOutKey)
	if v.IsSet(UserSizeLimitKey) {
		limit := size.AsLimit(size.Parse(v.GetString(UserSizeLimitKey)))
		c.UserSizeLimit = &limit
	}
	return c, nil
}

func (l *Loader) prioBoost(v *viper.Viper, key string) uint32 {
	boost := getUint32(v, key)
	if boost > l.MaxNiceOffset {
		log.Errorf("%s can not exceed %d", key, l.MaxNiceOffset)
		return l.MaxNiceOffset
	}
	return boost
}

// getPath returns a hook command path, expanding a leading ~ to the home directory.
func getPath(v *viper.Viper, key string) string {
	raw := strings.TrimSpace(v.GetString(key))
	path, err := homedir.Expand(raw)
	if err != nil {
		log.Warnf("unable to expand %s for %s: %v", raw, key, err)
		return raw
	}
	return path
}

func getUint32(v *viper.Viper, key string) uint32 {
	if !v.IsSet(key) {
		return 0
	}
	raw := strings.TrimSpace(v.GetString(key))
	value, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		log.Warnf("invalid value %q for %s, using 0", raw, key)
		return 0
	}
	return uint32(value)
}

func warnUnknownKeys(v *viper.Viper, path string) {
	known := make(map[string]bool, len(knownKeys))
	for _, key := range knownKeys {
		known[strings.ToLower(key)] = true
	}
	for _, key := range v.AllKeys() {
		if !known[key] {
			log.Warnf("%s: ignoring unknown key %s", path, key)
		}
	}
}

func isViperExtension(ext string) bool {
	ext = strings.TrimPrefix(ext, ".")
	for _, supported := range viper.SupportedExts {
		if ext == supported {
			return true
		}
	}
	return false
}

// LogConfig writes every setting at info level.
func LogConfig(c *Config, resolver users.Resolver) {
	log.Infof("AllowUsers:%s", users.Format(c.AllowUsers, resolver))
	log.Infof("DenyUsers:%s", users.Format(c.DenyUsers, resolver))
	log.Infof("GetSysState:%s", c.GetSysState)
	log.Infof("JobSizeLimit:%s", FormatLimit(c.JobSizeLimit))
	log.Infof("PrioBoostAlloc:%d", c.PrioBoostAlloc)
	log.Infof("PrioBoostUse:%d", c.PrioBoostUse)
	log.Infof("StageInTimeout:%d", c.StageInTimeout)
	log.Infof("StageOutTimeout:%d", c.StageOutTimeout)
	log.Infof("StartStageIn:%s", c.StartStageIn)
	log.Infof("StartStageOut:%s", c.StartStageOut)
	log.Infof("StopStageIn:%s", c.StopStageIn)
	log.Infof("StopStageOut:%s", c.StopStageOut)
	log.Infof("UserSizeLimit:%s", FormatLimit(c.UserSizeLimit))
}

// FormatLimit renders an optional size limit.
func FormatLimit(limit *size.Size) string {
	if limit == nil {
		return "unlimited"
	}
	return limit.String()
}
