// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
)

// Clock implements crawler.Clock using time.Now.
type Clock struct{}

var _ crawler.Clock = Clock{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC. Ledger day buckets and cache expiry
// both assume UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
