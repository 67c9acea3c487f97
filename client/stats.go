package client

// Stats are the diagnostic performance counters surfaced through
// InfoMessage.Counters. They are only ever touched from the engine's
// single logical thread, so plain fields suffice — no atomics required.
type Stats struct {
	MessagesSent       int64
	MessagesDropped    int64
	MessagesThrottled  int64
	InvalidationsAcked int64
	Reinitializations  int64
}

// asCounters flattens Stats into the map[string]int64 shape
// ticlpb.InfoMessage.Counters expects.
func (s Stats) asCounters() map[string]int64 {
	return map[string]int64{
		"messages_sent":       s.MessagesSent,
		"messages_dropped":    s.MessagesDropped,
		"messages_throttled":  s.MessagesThrottled,
		"invalidations_acked": s.InvalidationsAcked,
		"reinitializations":   s.Reinitializations,
	}
}

func (s Stats) asConfigParams(o Options) map[string]string {
	return map[string]string{
		"batching_delay_ms":  durationMsString(o.BatchingDelay),
		"heartbeat_interval": durationMsString(o.HeartbeatInterval),
		"poll_interval":      durationMsString(o.PollInterval),
	}
}
