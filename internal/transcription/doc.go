// Package transcription implements the client for the external Whisper API.
// It defines the Backend interface sessions submit audio chunks through, and
// an HTTP implementation that posts multipart WAV requests with retry logic,
// exponential backoff, and a concurrency limit.
package transcription
