// Comfygen drives ComfyUI from Go.  It fills the parameters of API-format
// workflow templates, enqueues them on the backend, follows their execution
// over the websocket stream with human-readable progress, and collects the
// images they produce.
//
// The graphapi package holds the graph model and parameter binding, client
// speaks the backend's HTTP and websocket protocol, workflow composes them
// into the text-to-image, image-to-image and upscale drivers, and
// cmd/comfygen exposes the drivers on the command line.
package comfygen
