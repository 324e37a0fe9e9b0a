package activitylog

import "context"

// NopStore discards every record. It backs deployments that run without
// a relational store (store.driver=none); reads return empty history.
type NopStore struct{}

var _ Store = (*NopStore)(nil)

// NewNop returns a store whose every method succeeds.
func NewNop() *NopStore { return &NopStore{} }

func (*NopStore) RecordActivity(context.Context, Activity) error { return nil }

func (*NopStore) RecordLog(context.Context, LogEntry) error { return nil }

func (*NopStore) RecentActivity(context.Context, int) ([]Activity, error) { return nil, nil }

func (*NopStore) Ping(context.Context) error { return nil }

func (*NopStore) Close() error { return nil }
