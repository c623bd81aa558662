package scheduler

import (
	"context"
)

// Refresher is a process-wide cache refreshed at the start of each pass.
type Refresher interface {
	Refresh(ctx context.Context) error
	Describe() string
}

// RefreshGroup is a named set of caches reported under one timer tag.
type RefreshGroup struct {
	Tag        string
	Refreshers []Refresher
}

// CacheReporter receives cache refresh progress.
type CacheReporter interface {
	StartCacheRefresh()
	FinishCacheRefresh()
	StartTimer(tag string) (stop func())
}

// CacheRefreshOperation refreshes every registered cache. The caches are
// shared by all repositories, so a refresh that keeps failing after its
// critical retries stops the scheduler instead of being isolated.
type CacheRefreshOperation struct {
	groups   []RefreshGroup
	retries  int
	reporter CacheReporter
	notify   NotifyFunc
}

// NewCacheRefreshOperation reads groups at Run time, so callers may keep
// appending refreshers to a group slice they own.
func NewCacheRefreshOperation(groups []RefreshGroup, retries int, reporter CacheReporter, notify NotifyFunc) *CacheRefreshOperation {
	return &CacheRefreshOperation{
		groups:   groups,
		retries:  retries,
		reporter: reporter,
		notify:   notifyOrNop(notify),
	}
}

func (c *CacheRefreshOperation) Name() string { return "refresh-caches" }

func (c *CacheRefreshOperation) Run(ctx context.Context) error {
	c.reporter.StartCacheRefresh()
	for _, group := range c.groups {
		if err := c.refreshGroup(ctx, group); err != nil {
			return err
		}
	}
	c.reporter.FinishCacheRefresh()
	return nil
}

func (c *CacheRefreshOperation) refreshGroup(ctx context.Context, group RefreshGroup) error {
	stop := c.reporter.StartTimer(group.Tag)
	defer stop()
	for _, r := range group.Refreshers {
		if err := CriticalRetry(ctx, r.Describe(), c.retries, r.Refresh, c.notify); err != nil {
			return err
		}
	}
	return nil
}
