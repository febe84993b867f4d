package messaging

// Topic constants for bridge and pool messaging
const (
	// Bridge
	TopicTransferEvents  = "bridge.transfer_events"  // bridged → indexers, transfer status changes
	TopicValidatorEvents = "bridge.validator_events" // bridged → audit, registry mutations

	// Pool
	TopicJobs         = "pool.jobs"          // job manager → poold
	TopicShares       = "pool.shares"        // stratum front ends → poold
	TopicShareResults = "pool.share_results" // poold → miners/statsd
	TopicPayouts      = "pool.payouts"       // poold → accounting

	// Operations
	TopicAlerts = "ops.alerts" // any service → on-call
)
