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

package util

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// SanitizeLabelValue maps an arbitrary value onto something a provider
// accepts as a label value. Null and non finite numbers become the empty
// string, numbers are printed in canonical form and leading or trailing
// separators are stripped. The function is idempotent.
func SanitizeLabelValue(value interface{}) string {
	switch val := value.(type) {
	case nil:
		return ""
	case string:
		// Canonical numerics pass through untouched, otherwise stripping
		// the sign of a negative number would break idempotence.
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return sanitizeFloat(parsed)
		}
		return strings.Trim(val, "-_")
	case float64:
		return sanitizeFloat(val)
	case float32:
		return sanitizeFloat(float64(val))
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return strings.Trim(fmt.Sprintf("%v", val), "-_")
	}
}

func sanitizeFloat(val float64) string {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return ""
	}
	if val == math.Trunc(val) && math.Abs(val) < 1e15 {
		return strconv.FormatInt(int64(val), 10)
	}
	return strconv.FormatFloat(val, 'g', -1, 64)
}
