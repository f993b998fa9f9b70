// Package client implements the instalog admin subcommands. Each command is
// a thin JSON client for the node's admin API.
package client
