// Package watcher delivers debounced filesystem change notifications.
//
// Events under a registered path are coalesced per registration: a burst of
// writes produces one callback after the debounce window goes quiet.
package watcher
