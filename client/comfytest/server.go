// Package comfytest provides an in-process fake of the ComfyUI backend routes
// used by the client: prompt submission, queue, history, image download,
// upload, system stats and the execution stream.
package comfytest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/comfygen/comfygen/graphapi"
)

// Message is a frame the fake sends on the stream
type Message struct {
	Binary bool
	Data   []byte
}

// Output is an image declared in history
type Output struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput is the history output of one node, kept in declaration order
type NodeOutput struct {
	NodeID string
	Images []Output
}

// Submission is a prompt received on POST /prompt
type Submission struct {
	PromptID string
	ClientID string
	Graph    graphapi.Graph
}

// Upload is a file received on POST /upload/image
type Upload struct {
	Filename  string
	Overwrite string
	Type      string
	Subfolder string
	Data      []byte
}

// Server is a fake backend.  Configure the exported fields before the client
// uses it; they are read under the server lock.
type Server struct {
	*httptest.Server

	// Script returns the frames sent on a session once a prompt was submitted
	// for it.  The default script executes every node of the graph in id order
	// and then reports completion.
	Script func(sub Submission) []Message
	// CloseAfterScript closes the stream after the script instead of idling
	CloseAfterScript bool
	// RejectStream answers the stream upgrade with 403
	RejectStream bool

	// RejectPrompt, when set, is returned as the backend error message
	RejectPrompt string

	Running []string
	Pending []string
	// QueueStatus overrides the /queue status code when non-zero
	QueueStatus int
	// QueueDelay holds every /queue answer back, until the client gives up at the latest
	QueueDelay time.Duration

	// Outputs is the history of every prompt; nil means the history is missing
	Outputs []NodeOutput
	// Files maps filenames to /view bodies; unknown files answer 404
	Files map[string][]byte

	RejectUploads bool

	Stats string

	mu          sync.Mutex
	nextID      int
	sessions    map[string]chan Submission
	submissions []Submission
	uploads     []Upload
	upgrader    websocket.Upgrader
}

// NewServer starts a fake backend
func NewServer() *Server {
	s := &Server{
		sessions: make(map[string]chan Submission),
		Files:    make(map[string][]byte),
		Stats:    `{"system": {"os": "posix", "python_version": "3.11.9", "embedded_python": false}, "devices": [{"name": "cuda:0 NVIDIA GeForce RTX 4090", "type": "cuda", "index": 0, "vram_total": 25393692672, "vram_free": 23000000000}]}`,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", s.handlePrompt)
	mux.HandleFunc("/queue", s.handleQueue)
	mux.HandleFunc("/history/", s.handleHistory)
	mux.HandleFunc("/view", s.handleView)
	mux.HandleFunc("/upload/image", s.handleUpload)
	mux.HandleFunc("/system_stats", s.handleStats)
	mux.HandleFunc("/ws", s.handleStream)
	s.Server = httptest.NewServer(mux)
	return s
}

// Address returns host:port of the fake
func (s *Server) Address() string {
	return strings.TrimPrefix(s.URL, "http://")
}

// Submissions returns the prompts received so far
func (s *Server) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Submission(nil), s.submissions...)
}

// Uploads returns the uploads received so far
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

func (s *Server) session(clientID string) chan Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.sessions[clientID]
	if !ok {
		ch = make(chan Submission, 8)
		s.sessions[clientID] = ch
	}
	return ch
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body graphapi.Prompt
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, `{"error": {"type": "invalid_prompt", "message": "invalid json", "details": "", "extra_info": {}}, "node_errors": {}}`)
		return
	}

	s.mu.Lock()
	reject := s.RejectPrompt
	var sub Submission
	if reject == "" {
		s.nextID++
		sub = Submission{
			PromptID: fmt.Sprintf("prompt-%d", s.nextID),
			ClientID: body.ClientID,
			Graph:    body.Nodes,
		}
		s.submissions = append(s.submissions, sub)
	}
	number := s.nextID
	s.mu.Unlock()

	if reject != "" {
		msg, _ := json.Marshal(reject)
		writeJSON(w, http.StatusBadRequest, fmt.Sprintf(`{"error": {"type": "prompt_outputs_failed_validation", "message": %s, "details": "", "extra_info": {}}, "node_errors": {}}`, msg))
		return
	}

	s.session(body.ClientID) <- sub
	writeJSON(w, http.StatusOK, fmt.Sprintf(`{"prompt_id": %q, "number": %d, "node_errors": {}}`, sub.PromptID, number))
}

func queueEntries(ids []string) string {
	entries := make([]string, 0, len(ids))
	for i, id := range ids {
		entries = append(entries, fmt.Sprintf(`[%d, %q, {}, {"client_id": "x"}, ["9"]]`, i, id))
	}
	return "[" + strings.Join(entries, ", ") + "]"
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	delay := s.QueueDelay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueueStatus != 0 {
		writeJSON(w, s.QueueStatus, `{}`)
		return
	}
	writeJSON(w, http.StatusOK, fmt.Sprintf(`{"queue_running": %s, "queue_pending": %s}`,
		queueEntries(s.Running), queueEntries(s.Pending)))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/history/")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Outputs == nil {
		writeJSON(w, http.StatusOK, `{}`)
		return
	}

	// written by hand so the outputs keep their declaration order
	nodes := make([]string, 0, len(s.Outputs))
	for _, o := range s.Outputs {
		images, _ := json.Marshal(o.Images)
		nodes = append(nodes, fmt.Sprintf(`%q: {"images": %s}`, o.NodeID, images))
	}
	writeJSON(w, http.StatusOK, fmt.Sprintf(`{%q: {"prompt": [], "outputs": {%s}, "status": {"status_str": "success", "completed": true}}}`,
		id, strings.Join(nodes, ", ")))
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	data, ok := s.Files[r.URL.Query().Get("filename")]
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(data)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f, hdr, err := r.FormFile("image")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer f.Close()
	data, _ := io.ReadAll(f)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RejectUploads {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	up := Upload{
		Filename:  hdr.Filename,
		Overwrite: r.FormValue("overwrite"),
		Type:      r.FormValue("type"),
		Subfolder: r.FormValue("subfolder"),
		Data:      data,
	}
	s.uploads = append(s.uploads, up)
	typ := up.Type
	if typ == "" {
		typ = "input"
	}
	writeJSON(w, http.StatusOK, fmt.Sprintf(`{"name": %q, "subfolder": %q, "type": %q}`, up.Filename, up.Subfolder, typ))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.Stats)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	reject := s.RejectStream
	script := s.Script
	closeAfter := s.CloseAfterScript
	s.mu.Unlock()
	if reject {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if script == nil {
		script = DefaultScript
	}

	clientID := r.URL.Query().Get("clientId")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.WriteMessage(websocket.TextMessage, StatusFrame(0).Data)

	var sub Submission
	select {
	case sub = <-s.session(clientID):
	case <-time.After(10 * time.Second):
		return
	}

	for _, m := range script(sub) {
		mt := websocket.TextMessage
		if m.Binary {
			mt = websocket.BinaryMessage
		}
		if err := conn.WriteMessage(mt, m.Data); err != nil {
			return
		}
	}
	if closeAfter {
		return
	}
	// idle until the client hangs up
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// DefaultScript executes every node of the submitted graph and completes
func DefaultScript(sub Submission) []Message {
	msgs := []Message{ExecutionStartFrame(sub.PromptID)}
	for _, id := range sub.Graph.NodeIDs() {
		msgs = append(msgs, ExecutingFrame(id, sub.PromptID))
	}
	return append(msgs, CompletedFrame(sub.PromptID))
}

func text(format string, args ...interface{}) Message {
	return Message{Data: []byte(fmt.Sprintf(format, args...))}
}

func StatusFrame(remaining int) Message {
	return text(`{"type": "status", "data": {"status": {"exec_info": {"queue_remaining": %d}}, "sid": "fake"}}`, remaining)
}

func ExecutionStartFrame(promptID string) Message {
	return text(`{"type": "execution_start", "data": {"prompt_id": %q}}`, promptID)
}

func ExecutingFrame(nodeID, promptID string) Message {
	return text(`{"type": "executing", "data": {"node": %q, "display_node": %q, "prompt_id": %q}}`, nodeID, nodeID, promptID)
}

func CompletedFrame(promptID string) Message {
	return text(`{"type": "executing", "data": {"node": null, "prompt_id": %q}}`, promptID)
}

func ErrorFrame(promptID, nodeID, nodeType, message string) Message {
	return text(`{"type": "execution_error", "data": {"prompt_id": %q, "node_id": %q, "node_type": %q, "exception_message": %q, "exception_type": "RuntimeError", "traceback": []}}`,
		promptID, nodeID, nodeType, message)
}

func InterruptedFrame(promptID, nodeID string) Message {
	return text(`{"type": "execution_interrupted", "data": {"prompt_id": %q, "node_id": %q, "node_type": "KSampler", "executed": []}}`, promptID, nodeID)
}

func BinaryFrame() Message {
	return Message{Binary: true, Data: []byte{0, 0, 0, 1, 0, 0, 0, 2, 0x89, 'P', 'N', 'G'}}
}

func MalformedFrame() Message {
	return text(`{"type": "executing", "data": `)
}

// PNG encodes a w x h image filled with c
func PNG(w, h int, c color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}
