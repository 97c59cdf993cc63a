// Package vad provides energy-based voice activity detection over fixed-size
// windows of PCM samples. Results drive chunk boundary selection only; no
// recognition decision depends on them.
package vad
