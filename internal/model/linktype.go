package model

// ClassifyMode selects how classify treats a URL.
type ClassifyMode string

const (
	// ModeAuto probes the URL and picks a backend heuristically.
	ModeAuto ClassifyMode = "auto"

	// ModeDirect forces the raw transfer backend.
	ModeDirect ClassifyMode = "direct"

	// ModeVideo forces the media extraction backend.
	ModeVideo ClassifyMode = "video"
)

// LinkTypeResult is the classifier's verdict for a URL.
//
// Reason is one of a fixed taxonomy of strings (see package classify) and is
// part of the observable contract.
type LinkTypeResult struct {
	IsDirect      bool
	Reason        string
	ContentType   string // from HEAD probe, empty if unknown
	ContentLength int64  // 0 if unknown
	Filename      string // suggested filename, empty if unknown
	UserAgent     string // user agent that worked for probing, empty if default
}
