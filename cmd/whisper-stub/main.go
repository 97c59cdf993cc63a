// Command whisper-stub is a fake Whisper API server for local development.
// It accepts the same multipart /transcribe request the service sends and
// returns a canned transcription, so the full pipeline can be exercised
// without GPU inference.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

type segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type transcriptionResponse struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Segments []segment `json:"segments"`
	Model    string    `json:"model"`
}

var processingDelay = flag.Duration("delay", 200*time.Millisecond, "Simulated inference time per request")

func transcribeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	sessionID := r.FormValue("session_id")
	chunkIndex := r.FormValue("chunk_index")
	language := r.FormValue("language")
	if language == "" {
		language = "en"
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	audioData, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	// Rough duration estimate: 16kHz mono PCM16 under a 44-byte WAV header.
	duration := float64(len(audioData)-44) / (16000 * 2)
	if duration < 0 {
		duration = 0
	}

	log.Printf("Transcription request: session=%s chunk=%s file=%s size=%d duration=%.2fs language=%s",
		sessionID, chunkIndex, header.Filename, len(audioData), duration, language)

	// Simulate inference time
	time.Sleep(*processingDelay)

	text := fmt.Sprintf("stub transcription for chunk %s", chunkIndex)
	response := transcriptionResponse{
		Text:     text,
		Language: language,
		Model:    "stub",
		Segments: []segment{
			{Start: 0, End: duration, Text: text},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func main() {
	addr := flag.String("addr", ":8000", "Listen address")
	flag.Parse()

	http.HandleFunc("/transcribe", transcribeHandler)

	log.Printf("Whisper stub server starting on %s", *addr)
	log.Printf("Endpoint: http://localhost%s/transcribe", *addr)

	if err := http.ListenAndServe(*addr, nil); err != nil {
		log.Fatal("Server failed to start:", err)
	}
}
