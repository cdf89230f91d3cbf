// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter maintains token buckets per source identity and per
// (source, target) pair. Both the per-minute and per-hour budgets must
// have a token available for an injection to pass. Zero budgets disable
// the corresponding bucket.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucketPair
}

type bucketPair struct {
	minute *rate.Limiter
	hour   *rate.Limiter
}

// NewRateLimiter creates an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*bucketPair)}
}

// Reset drops all buckets. For tests.
func (l *RateLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*bucketPair)
}

// Allow consumes one token from the source bucket and the (source, target)
// bucket. Returns false when any configured bucket is exhausted.
func (l *RateLimiter) Allow(sourceKey, target string, perMinute, perHour int) bool {
	if perMinute <= 0 && perHour <= 0 {
		return true
	}
	return l.allowKey(sourceKey, perMinute, perHour) &&
		l.allowKey(sourceKey+"->"+target, perMinute, perHour)
}

func (l *RateLimiter) allowKey(key string, perMinute, perHour int) bool {
	l.mu.Lock()
	pair, ok := l.buckets[key]
	if !ok {
		pair = &bucketPair{}
		if perMinute > 0 {
			pair.minute = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
		}
		if perHour > 0 {
			pair.hour = rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), perHour)
		}
		l.buckets[key] = pair
	}
	l.mu.Unlock()

	if pair.minute != nil && !pair.minute.Allow() {
		return false
	}
	if pair.hour != nil && !pair.hour.Allow() {
		return false
	}
	return true
}
