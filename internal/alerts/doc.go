// ABOUTME: Package alerts holds the bounded alert log and its external fan-out
// ABOUTME: Alerts come from health probes and the fleet controller

// Package alerts records operational alerts in a fixed-size ring and optionally
// forwards them to the real-time relay and the AI observation endpoint.
package alerts
