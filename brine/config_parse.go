// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package brine

import (
	"fmt"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// ParseConfig decodes an option mapping over the defaults. Duration options
// are plain seconds on the wire, matching the option files minions and
// masters already share.
func ParseConfig(raw map[string]interface{}) (*Config, error) {
	config := DefaultConfig()

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           config,
		WeaklyTypedInput: true,
		DecodeHook:       secondsToDuration,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// secondsToDuration converts numeric option values into time.Duration
// fields, treating the number as seconds.
func secondsToDuration(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch v := data.(type) {
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case uint64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case string:
		// option files may carry "300" or "5m"
		if d, err := time.ParseDuration(v); err == nil {
			return d, nil
		}
		var secs float64
		if _, err := fmt.Sscanf(v, "%f", &secs); err != nil {
			return nil, fmt.Errorf("cannot parse %q as a duration", v)
		}
		return time.Duration(secs * float64(time.Second)), nil
	default:
		return data, nil
	}
}
