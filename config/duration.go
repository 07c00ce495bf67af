// Copyright 2026 Harry Finbow
//
//    Licensed under the Apache License, Version 2.0 (the "License"); you may
//    not use this file except in compliance with the License. You may obtain
//    a copy of the License at
//
//         http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
//    WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
//    License for the specific language governing permissions and limitations
//    under the License.

package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// iso8601Duration matches durations like PT15M, PT1H30M or P1DT12H. Dates
// beyond days (months, years) are not supported as they have no fixed
// length.
var iso8601Duration = regexp.MustCompile(
	`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// Duration is a time.Duration that unmarshals from YAML. Accepted forms
// are Go duration strings ("15m"), bare numbers (seconds) and ISO 8601
// durations ("PT15M").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw interface{}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	switch val := raw.(type) {
	case int:
		d.Duration = time.Duration(val) * time.Second
		return nil
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
		return nil
	case string:
		parsed, err := parseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("invalid duration: %v", raw)
	}
}

func parseDuration(val string) (time.Duration, error) {
	if val == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if strings.HasPrefix(val, "P") {
		return parseISO8601(val)
	}
	if parsed, err := time.ParseDuration(val); err == nil {
		return parsed, nil
	}
	// A bare number in a quoted string still means seconds.
	if secs, err := strconv.ParseFloat(val, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("invalid duration: %q", val)
}

func parseISO8601(val string) (time.Duration, error) {
	matches := iso8601Duration.FindStringSubmatch(val)
	if matches == nil || val == "P" || val == "PT" {
		return 0, fmt.Errorf("invalid ISO 8601 duration: %q", val)
	}

	var total time.Duration
	if matches[1] != "" {
		days, _ := strconv.Atoi(matches[1])
		total += time.Duration(days) * 24 * time.Hour
	}
	if matches[2] != "" {
		hours, _ := strconv.Atoi(matches[2])
		total += time.Duration(hours) * time.Hour
	}
	if matches[3] != "" {
		minutes, _ := strconv.Atoi(matches[3])
		total += time.Duration(minutes) * time.Minute
	}
	if matches[4] != "" {
		secs, _ := strconv.ParseFloat(matches[4], 64)
		total += time.Duration(secs * float64(time.Second))
	}
	return total, nil
}
