// Package publish turns entity lifecycle events into messages.
//
// An entity type declares a list of Specs. Register validates them once and
// returns a Publisher; the host calls Publisher.AfterCreate or AfterUpdate
// (or a HookFunc from Publisher.Hook) after each committed change. Every spec
// whose event types and condition match is turned into messaging.Parameters
// and handed to a Dispatcher:
//
//	pub, err := publish.Register([]publish.Spec{{
//		Topic:      "orders",
//		EventTypes: []publish.EventType{publish.EventCreate},
//		Message:    invoker.Name("message"),
//		Condition:  invoker.Name("paid"),
//	}}, dispatcher)
//
//	err = pub.AfterCreate(ctx, order)
package publish
