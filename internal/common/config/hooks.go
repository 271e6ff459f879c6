package config

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/armadaproject/burstbuffer/internal/burstbuffer/size"
)

// CustomHooks are the decode hooks applied when unmarshalling configuration. Setting a decode hook
// replaces viper's defaults, so those are included too.
var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		SizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)),
}

// SizeDecodeHook allows burst buffer sizes to be written as strings such as "100T" or "4N".
func SizeDecodeHook() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if t != reflect.TypeOf(size.Size{}) {
			return data, nil
		}
		return size.Parse(fmt.Sprintf("%v", data)), nil
	}
}
