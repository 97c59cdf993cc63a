// Package audio handles PCM sample conversion, chunk assembly, and WAV
// encoding. The chunker accumulates inbound frames and cuts transcription
// chunks at silence boundaries or at the configured maximum duration.
package audio
