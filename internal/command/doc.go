// Package command builds relay command envelopes and routes them to
// connected devices.
//
// Sends are fire-and-forget: a true result means the frame was written to
// the device's socket, not that the relay switched. The registry is
// updated optimistically after every toggle or set so the UI reflects the
// requested state straight away; the device's next state report corrects
// it if the command was lost.
package command
