// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

/*
Package streamhttp serves net/http handlers over multiplexed, credit flow controlled streams carried on ring buffer channels.

A peer writes requests onto a channel owned by the server. Every request is a stream of frames: a Begin frame carrying the request headers as an extension, any number of Data frames and an End frame. The server answers each request stream with a response stream of the same shape on an outbound channel named after the peer. Window and Reset frames travel the other way on each channel's throttle ring, granting credit to the sender or aborting a stream.

Channels are grouped by their source name, the part of the channel name before a '#'. A Group reads every inbound channel of its source with a Reader, and replies through one Writer per destination. The Reader demultiplexes frames by stream id to Exchanges, and an Exchange runs the per-stream state machines: it builds an *http.Request from the Begin frame, calls the Handler bound to the Begin frame's reference id synchronously, frames what the handler writes and relays credit between the two streams.

A Server runs Routers on a number of worker goroutines and hands them channel discovery events. A Gateway is the peer side, an http.Handler that turns incoming HTTP requests into request streams.
*/
package streamhttp
