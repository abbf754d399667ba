package main

import (
	"github.com/agouch/outdora/backend/events"
	"github.com/agouch/outdora/backend/matching"
)

// A user is online while at least one push channel is open on this instance.
func isOnlineNow(hub *events.Hub, userID matching.UserID) bool {
	return hub != nil && hub.Connected(userID) > 0
}
