// Package constants provides application-wide constants and timeouts.
package constants

import "time"

const (
	// AgentLaunchTimeout bounds a session-creation dispatch that has
	// outlived the HTTP request that triggered it (httpapi's detached
	// webhook handling).
	AgentLaunchTimeout = 6 * time.Minute
)
