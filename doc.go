// # Go Client Package for OpenAI Realtime Voice API
//
// This repository provides a Go package for building applications that hold real-time, two-way voice conversations with an AI assistant over WebRTC.
// A [Session] fetches an ephemeral credential from a trusted backend ([CredentialClient]), opens a peer connection with the local microphone ([PeerManager]),
// trades the SDP offer for the remote answer ([SignalingClient]) and, once the transport is up, exchanges JSON control events on a data channel ([ControlChannel]).
//
// Device audio lives in the tools package, the interactive terminal agent in agents.
package realtime
