// Package serverrun boots an Instalog node from a config file and runs it
// until a signal or an admin stop request takes it down.
package serverrun
