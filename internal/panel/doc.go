// Package panel serves the V900 status dashboard as embedded web assets.
//
// The dashboard is a single static page that opens the API WebSocket,
// renders every device from the devices.snapshot stream, shows tank-level
// alerts and toggles relays through the REST API. The assets are embedded
// with go:embed so the binary has no runtime file dependencies; a directory
// can be served instead while working on the page.
package panel
