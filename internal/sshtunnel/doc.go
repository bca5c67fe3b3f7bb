// Package sshtunnel builds multi-hop SSH tunnels to OVSDB servers that are
// only reachable through bastion hosts.
//
// # Chain Establishment
//
// A [Spec] names the target host, the login user, a private key file and an
// optional list of jump hosts. [Build] dials the hops in ProxyJump order:
// the first jump host over plain TCP, every following hop through a
// direct-tcpip channel of the hop before it, and the target host last. Each
// hop gets its own dial and handshake deadline ([Options.HopTimeout]).
//
// If a hop fails, the hops that were already established are closed from
// last to first and the error is returned as a [*HopError] carrying the hop
// index and one of [ErrAuthentication], [ErrNetwork] or [ErrHostKey].
//
// # Local Forwarding
//
// Once the last hop is up, a [Forwarder] binds an ephemeral local listener
// (127.0.0.1:0, or a unix socket in a private temp directory) and relays
// every accepted connection over its own SSH channel to the remote OVSDB
// endpoint. The OVSDB client then dials [Tunnel.LocalEndpoint] as if the
// server were local. With [ForwarderAuto] a unix forwarder is used for unix
// remotes when the platform supports it.
//
// # Teardown
//
// [Tunnel.Close] closes the Forwarder first, waiting for every relay
// goroutine, and then closes the SSH clients in reverse dial order. It is
// safe to call more than once.
package sshtunnel
