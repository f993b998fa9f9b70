// Package core runs one Instalog node: it hosts the buffer and every
// configured input and output plugin in sandboxes, routes emitted events
// into the buffer, hands buffer streams to output plugins, and drives all
// sandbox state machines from a single advance loop.
package core
