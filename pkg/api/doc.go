/*
Package api exposes the node over HTTP: the public peering surface
(/discovery, /wallet/invite, /wallet/announce, /call/{capability}), the
Prometheus endpoint, and an authenticated JSON-RPC surface on / for wallet,
peer, and brain operations.

Public paths stay open because the protocol itself authenticates them: every
invitation and announcement is signature-checked against the sender's
identity key, and capability calls settle through the 402 dispatcher.
Everything else needs a Bearer API key; binding beyond loopback without one
generates a key at startup rather than serving an open admin surface.
*/
package api
