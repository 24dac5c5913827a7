/*
Package proxyconf regenerates the external reverse-proxy configuration from
control-plane state.

The config file is the one piece of mutable state shared by concurrent
workflow handlers, so every regeneration runs under a Guard: a
non-reentrant busy lock with polling acquisition. Apply always returns the
file's previous content as a backup string; a handler that fails after
touching the config restores it from that backup.
*/
package proxyconf
