// Package flowpolicy decides which events an output plugin may see.
//
// A policy holds allow and deny rule lists. An event passes when at least
// one allow rule matches and no deny rule does. Rules are built from the
// configuration maps under a plugin's "allow" and "deny" keys.
package flowpolicy
