// Package events provides the local publish/subscribe bus used to notify UI
// clients of board mutations. Subscriptions are explicit handles released
// deterministically on unsubscribe; there is no global emitter.
package events
