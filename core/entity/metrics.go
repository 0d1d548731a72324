package entity

import "github.com/codewandler/shardrun-go/core/metrics"

// ManagerMetrics defines the metrics interface for the entity manager.
// All methods are thread-safe.
type ManagerMetrics interface {
	// ActiveEntities is a gauge of live entities per entity type,
	// refreshed roughly once per second.
	ActiveEntities(entityType string, count int)

	// Routing
	SendDuration(entityType string) metrics.Timer
	SendCompleted(entityType string, success bool)

	// Replies
	ReplyForwarded(kind string, success bool)

	// Crash recovery
	EntityDefect(entityType string)
	RequestReplayed(entityType string)
}

// nopManagerMetrics is a no-op implementation of ManagerMetrics.
type nopManagerMetrics struct{}

func (nopManagerMetrics) ActiveEntities(string, int) {}

func (nopManagerMetrics) SendDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopManagerMetrics) SendCompleted(string, bool)        {}

func (nopManagerMetrics) ReplyForwarded(string, bool) {}

func (nopManagerMetrics) EntityDefect(string)    {}
func (nopManagerMetrics) RequestReplayed(string) {}

// NopManagerMetrics returns a no-op ManagerMetrics implementation.
func NopManagerMetrics() ManagerMetrics { return nopManagerMetrics{} }
