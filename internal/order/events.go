package order

import (
	"roostoo-bot/internal/events"
)

// Update is the payload published on every accepted order change.
type Update struct {
	Order    Order  `json:"order"`
	Previous State  `json:"previous"`
	Cause    string `json:"cause,omitempty"`
}

func publishUpdate(bus *events.Bus, o Order, prev State, cause string) {
	bus.Publish(events.EventOrderUpdate, Update{Order: o, Previous: prev, Cause: cause})
	if o.State == StateFilled && prev != StateFilled {
		bus.Publish(events.EventOrderFilled, o)
	}
}
