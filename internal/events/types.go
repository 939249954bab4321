package events

// Event enumerates high-level topics inside the bot.
type Event string

const (
	EventPriceTick              Event = "price_tick"
	EventFeedStale              Event = "feed.stale"
	EventFeedRecovered          Event = "feed.recovered"
	EventIntent                 Event = "strategy.intent"
	EventStrategyFault          Event = "strategy.fault"
	EventRiskApproved           Event = "risk.approved"
	EventRiskRejected           Event = "risk.rejected"
	EventOrderUpdate            Event = "order.update"
	EventOrderFilled            Event = "order.filled"
	EventPositionChange         Event = "position.change"
	EventReconciliationMismatch Event = "reconciliation.mismatch"
)

// All lists every topic, used by subscribers that stream everything.
var All = []Event{
	EventPriceTick, EventFeedStale, EventFeedRecovered, EventIntent, EventStrategyFault,
	EventRiskApproved, EventRiskRejected, EventOrderUpdate, EventOrderFilled,
	EventPositionChange, EventReconciliationMismatch,
}
