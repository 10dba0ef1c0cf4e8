// Copyright 2024 The pranaOS Authors.
//
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

package log

import (
	"time"

	"golang.org/x/time/rate"
)

// throttledLogger drops messages that arrive faster than its rate allows.
type throttledLogger struct {
	inner   Logger
	limiter *rate.Limiter
}

func (t *throttledLogger) Debugf(format string, v ...any) {
	if t.limiter.Allow() {
		t.inner.Debugf(format, v...)
	}
}

func (t *throttledLogger) Infof(format string, v ...any) {
	if t.limiter.Allow() {
		t.inner.Infof(format, v...)
	}
}

func (t *throttledLogger) Warningf(format string, v ...any) {
	if t.limiter.Allow() {
		t.inner.Warningf(format, v...)
	}
}

// IsLogging implements Logger.IsLogging. The rate limit does not apply to
// level checks.
func (t *throttledLogger) IsLogging(level Level) bool {
	return t.inner.IsLogging(level)
}

// RateLimitedLogger wraps logger so that at most one message per every is
// emitted. Messages beyond the rate are dropped, not queued.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &throttledLogger{
		inner:   logger,
		limiter: rate.NewLimiter(rate.Every(every), 1),
	}
}

// BasicRateLimitedLogger is RateLimitedLogger over the global logger.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}
