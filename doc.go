// ABOUTME: Package openvpn2dns implements a CoreDNS plugin serving zones built from OpenVPN status files.
// ABOUTME: Forward and reverse zones follow connected clients; secondaries get NOTIFY on real changes.

// Package openvpn2dns implements a CoreDNS plugin that keeps DNS zones in
// step with the clients listed in an OpenVPN server's status file.
//
// Each instance configured in an INI file yields a forward zone and, when
// subnets are known, IPv4 and IPv6 reverse zones. Zones are rebuilt when
// the status file changes; the new content replaces the served content
// atomically and, only when it materially differs, a DNS NOTIFY is sent to
// every configured secondary. The SOA serial is the status file's
// modification time.
//
// A REST API exposes the served zones and reload triggers, and a gRPC
// server reports per-instance health through the grpc.health.v1 service.
package openvpn2dns
