// Package sshkeys loads the private keys used to authenticate tunnel hops and
// decides how hop host keys are verified.
//
// Every hop of a tunnel chain authenticates with the same private key file
// named in the connect request. [LoadSigner] reads and parses that file once
// per chain.
//
// # Host Key Policy
//
// [HostKeyCallback] returns a known_hosts verifier when OVSDBV_KNOWN_HOSTS
// points at a known_hosts file, and an accept-and-log callback otherwise.
// Mismatches and unknown hosts surface from the handshake as
// *knownhosts.KeyError values, which the tunnel package classifies as host
// key failures.
//
// [GenerateKeyPair], [WritePrivateKey] and [KnownHostsLine] exist for
// provisioning and for tests that stand up in-process SSH servers.
package sshkeys
