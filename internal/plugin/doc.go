// Package plugin defines the contracts between the Instalog orchestrator and
// its plugins: the capability-tagged plugin interfaces (input, output,
// buffer), the API surface a plugin handle exposes to plugin code, the
// buffer-side event stream grant, and the type registry bundled plugins
// register with.
//
// Capabilities are modeled as interfaces over a common Plugin base rather
// than inheritance: the orchestrator dispatches on the declared Kind, and a
// concrete plugin implements exactly the capability set its kind requires.
package plugin
