/*
Package corehub is a SignalR-protocol real-time client for a
cryptocurrency exchange's market-data hub.

At a high level, establishing a connection goes through the following
steps, each documented in https://blog.3d-logic.com/2015/03/29/signalr-on-the-wire-an-informal-description-of-the-signalr-protocol/:

  - negotiate: use HTTP to get connection info for how to connect to the
    websocket endpoint
  - connect: upgrade to a WebSocket at the advertised endpoint
  - start: make the WebSocket connection usable for hub invocations

Client is the facade most callers want: it drives a Connection through
this handshake, keeps it alive with a ping supervisor, resubscribes a
Registry of desired feeds on every (re)connect, and republishes hub
pushes as typed events from the events package on its Events() channel.

Connection is the lower-level primitive Client is built on, for callers
that want direct control over one handshake/session without the
reconnect supervision Client adds.
*/
package corehub
