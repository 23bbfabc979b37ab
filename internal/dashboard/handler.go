package dashboard

import (
	"log"
	"sync"

	"github.com/fieldline/fieldsync/internal/daemon"
	syncpkg "github.com/fieldline/fieldsync/internal/sync"
)

// Handler turns daemon notifications into dashboard messages. It implements
// daemon.Listener and keeps the last values it saw.
type Handler struct {
	server *Server
	logger *log.Logger

	mu       sync.Mutex
	progress daemon.Progress
	pending  int
	online   bool
	last     *PassCompleteData
}

var _ daemon.Listener = (*Handler)(nil)

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	return &Handler{
		server:   server,
		logger:   logger,
		progress: daemon.Idle(),
		online:   true,
	}
}

// OnProgress implements daemon.Listener.
func (h *Handler) OnProgress(p daemon.Progress) {
	h.mu.Lock()
	h.progress = p
	h.mu.Unlock()

	h.broadcast(MessageTypeProgress, p)
}

// OnPending implements daemon.Listener.
func (h *Handler) OnPending(count int) {
	h.mu.Lock()
	changed := h.pending != count
	h.pending = count
	h.mu.Unlock()

	if changed {
		h.logger.Printf("Pending records: %d", count)
	}
	h.broadcast(MessageTypePending, PendingData{Count: count})
}

// OnConnectivity implements daemon.Listener.
func (h *Handler) OnConnectivity(online bool) {
	h.mu.Lock()
	h.online = online
	h.mu.Unlock()

	h.broadcast(MessageTypeConnectivity, ConnectivityData{Online: online})
}

// OnPassComplete implements daemon.Listener.
func (h *Handler) OnPassComplete(res *syncpkg.Result) {
	data := summarize(res)
	h.logger.Printf("Sync complete: %d pushed, %d failed in %v", data.Pushed, data.Failed, data.Duration)

	h.mu.Lock()
	h.last = &data
	h.mu.Unlock()

	h.broadcast(MessageTypePassComplete, data)
}

// LastPass returns the summary of the most recent pass, or nil.
func (h *Handler) LastPass() *PassCompleteData {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last == nil {
		return nil
	}
	last := *h.last
	return &last
}

// Snapshot returns the last values seen by the handler.
func (h *Handler) Snapshot() StatusData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return StatusData{
		Progress: h.progress,
		Pending:  h.pending,
		Online:   h.online,
		Issue:    h.progress.HasIssue() || h.pending > 0,
	}
}

func (h *Handler) broadcast(typ MessageType, data interface{}) {
	msg, err := newMessage(typ, data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(msg)
}

func summarize(res *syncpkg.Result) PassCompleteData {
	data := PassCompleteData{
		Pushed:   res.Success(),
		Failed:   res.Failed(),
		Trimmed:  res.Trimmed,
		Duration: res.Duration(),
	}
	if res.Push != nil {
		data.Excluded = res.Push.Excluded
	}
	if res.Merge != nil {
		data.Merged = res.Merge.Applied
	}
	if res.PullErr != nil {
		data.PullError = res.PullErr.Error()
	}
	return data
}
