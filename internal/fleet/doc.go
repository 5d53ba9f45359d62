// ABOUTME: Package fleet watches pods and nodes in the managed namespace
// ABOUTME: It detects crash loops and heals them through one validated corrector

// Package fleet is the orchestrator-facing half of the gateway. A Controller
// lists pods, nodes, replica sets and cron jobs on an interval and publishes
// the result as an immutable Snapshot. Crash-looping pods are deleted so their
// owning ReplicaSet recreates them; every corrective action, whether taken by
// the loop or requested through the admin API, goes through Corrector.
//
// Detection is edge-triggered per pod UID. A pod is acted on once per breach
// and re-armed only after it stops restarting for a full window or is
// replaced. Pending pods, terminating pods, and pods whose ReplicaSet is scaled
// to zero are never touched.
package fleet
