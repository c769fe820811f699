// Package app contains the sync orchestrator: the long-lived object that
// owns the relay client, the local cache, the session coordinator and the
// derived key material, and that turns playback activity into encrypted
// snapshot publishes and remote snapshots into local merges.
package app
