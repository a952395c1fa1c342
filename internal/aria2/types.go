package aria2

import "strconv"

// Download states reported by the daemon.
const (
	StateActive   = "active"
	StateWaiting  = "waiting"
	StatePaused   = "paused"
	StateError    = "error"
	StateComplete = "complete"
	StateRemoved  = "removed"
)

// Notification events pushed by the daemon.
type NotificationEvent string

const (
	NotificationStart    NotificationEvent = "aria2.onDownloadStart"
	NotificationPause    NotificationEvent = "aria2.onDownloadPause"
	NotificationStop     NotificationEvent = "aria2.onDownloadStop"
	NotificationComplete NotificationEvent = "aria2.onDownloadComplete"
	NotificationError    NotificationEvent = "aria2.onDownloadError"
)

// statusKeys are the fields requested from tellStatus/tellActive/... calls.
var statusKeys = []string{
	"gid", "status", "totalLength", "completedLength", "downloadSpeed",
	"errorMessage", "dir", "files",
}

// FileURI is one source URI of a transfer file.
type FileURI struct {
	URI string `json:"uri"`
}

// File is one file of a transfer.
type File struct {
	Path string    `json:"path"`
	URIs []FileURI `json:"uris"`
}

// Status is the daemon's view of one transfer. Numeric fields arrive as
// decimal strings on the wire.
type Status struct {
	GID             string `json:"gid"`
	State           string `json:"status"`
	TotalLength     string `json:"totalLength"`
	CompletedLength string `json:"completedLength"`
	DownloadSpeed   string `json:"downloadSpeed"`
	ErrorMessage    string `json:"errorMessage"`
	Dir             string `json:"dir"`
	Files           []File `json:"files"`
}

// Total returns the total length in bytes.
func (s *Status) Total() int64 { return parseInt(s.TotalLength) }

// Completed returns the completed length in bytes.
func (s *Status) Completed() int64 { return parseInt(s.CompletedLength) }

// Speed returns the download speed in bytes per second.
func (s *Status) Speed() int64 { return parseInt(s.DownloadSpeed) }

// FirstURI returns the first source URI of the transfer, if any.
func (s *Status) FirstURI() string {
	for _, f := range s.Files {
		for _, u := range f.URIs {
			if u.URI != "" {
				return u.URI
			}
		}
	}
	return ""
}

// FilePaths returns all on-disk paths of the transfer.
func (s *Status) FilePaths() []string {
	paths := make([]string, 0, len(s.Files))
	for _, f := range s.Files {
		if f.Path != "" {
			paths = append(paths, f.Path)
		}
	}
	return paths
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
