package server

import (
	"github.com/w0otness/opifex/internal/database"
)

// groupSubscribers keeps one subscription per client, the one with the highest
// granted QoS, in first-match order.
func groupSubscribers(subscriptions []database.Subscription) []database.Subscription {
	index := make(map[string]int, len(subscriptions))
	result := make([]database.Subscription, 0, len(subscriptions))
	for _, subscription := range subscriptions {
		i, ok := index[subscription.ClientID]
		if !ok {
			index[subscription.ClientID] = len(result)
			result = append(result, subscription)
			continue
		}
		if subscription.QoSLevel > result[i].QoSLevel {
			result[i] = subscription
		}
	}
	return result
}
