// Copyright 2025 Tollgate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package usage

import (
	"fmt"
	"time"
)

// WindowUnit is the calendar unit a usage window is aligned to.
type WindowUnit string

const (
	WindowMinute  WindowUnit = "minute"
	WindowHour    WindowUnit = "hour"
	WindowDay     WindowUnit = "day"
	WindowMonth   WindowUnit = "month"
	WindowForever WindowUnit = "forever"
)

// Window is a calendar-aligned counting window. Counters reset when the
// unit boundary rolls over (minute/hour boundaries, midnight UTC, first
// of the month), not on a rolling basis from first use.
type Window struct {
	Unit WindowUnit
}

// ParseWindow accepts the window spellings used in policy documents:
// "1m"/"minute", "1h"/"hour"/"hourly", "1d"/"daily"/"day",
// "monthly"/"month", and "forever"/"total" for a never-resetting window.
func ParseWindow(s string) (Window, error) {
	switch s {
	case "1m", "minute", "per_minute":
		return Window{Unit: WindowMinute}, nil
	case "1h", "hour", "hourly", "per_hour":
		return Window{Unit: WindowHour}, nil
	case "1d", "day", "daily", "per_day":
		return Window{Unit: WindowDay}, nil
	case "month", "monthly", "per_month":
		return Window{Unit: WindowMonth}, nil
	case "forever", "total", "lifetime":
		return Window{Unit: WindowForever}, nil
	default:
		return Window{}, fmt.Errorf("unknown usage window %q", s)
	}
}

// BucketKey returns the time-aligned bucket label for t. All requests
// inside the same calendar unit share a bucket, which is what makes
// counter resets land exactly on unit boundaries.
func (w Window) BucketKey(t time.Time) string {
	t = t.UTC()
	switch w.Unit {
	case WindowMinute:
		return t.Format("200601021504")
	case WindowHour:
		return t.Format("2006010215")
	case WindowDay:
		return t.Format("20060102")
	case WindowMonth:
		return t.Format("200601")
	default:
		return "all"
	}
}

// TTL returns how long a bucket's counters remain relevant. Used for
// Redis key expiry and memory-tracker compaction; twice the unit length
// keeps the previous bucket around for status queries.
func (w Window) TTL() time.Duration {
	switch w.Unit {
	case WindowMinute:
		return 2 * time.Minute
	case WindowHour:
		return 2 * time.Hour
	case WindowDay:
		return 48 * time.Hour
	case WindowMonth:
		return 62 * 24 * time.Hour
	default:
		return 0 // never expires
	}
}

// String implements fmt.Stringer with the canonical spelling.
func (w Window) String() string {
	return string(w.Unit)
}
