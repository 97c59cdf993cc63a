// Package session provides the admission controller and per-connection
// session lifecycle for the whisper stream service. The Manager enforces the
// concurrent client bound and the per-connection lifetime bound; each Session
// owns one client's streaming state machine and its transcription pipeline.
package session
