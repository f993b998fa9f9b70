// Package event defines the data that moves through an Instalog node:
// structured events with binary attachments and a provenance history, and
// the pull-based stream/iterator surface output plugins use to drain them.
//
// Events are serialized as a three-element JSON array
// [payload, attachments, history] so the on-disk representation stays
// stable regardless of field additions to the Event struct itself.
package event
