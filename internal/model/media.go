package model

// FormatInfo describes one encoding the extractor offers for a video.
type FormatInfo struct {
	ID             string
	Ext            string // container, e.g. "mp4", "webm", "m4a"
	Protocol       string // e.g. "https", "m3u8_native"
	Resolution     int    // vertical resolution, 0 for audio-only
	FPS            float64
	VideoCodec     string  // "none" if audio-only
	AudioCodec     string  // "none" if video-only
	Bitrate        float64 // kbit/s, 0 if unknown
	Filesize       int64   // bytes, measured; 0 if unknown
	FilesizeApprox int64   // bytes, tool estimate; 0 if unknown
}

// HasVideo reports whether the format carries a video stream.
func (f *FormatInfo) HasVideo() bool {
	return f.VideoCodec != "" && f.VideoCodec != "none"
}

// HasAudio reports whether the format carries an audio stream.
func (f *FormatInfo) HasAudio() bool {
	return f.AudioCodec != "" && f.AudioCodec != "none"
}

// QualityOption is one user-selectable quality derived from grouping the
// available formats by resolution. The first option in a VideoInfo is the
// implicit default.
type QualityOption struct {
	Label         string // e.g. "1080p", "Audio only"
	Resolution    int    // 0 for audio-only
	FormatID      string // video or combined format id
	AudioFormatID string // empty when FormatID is already muxed
	NeedsMerge    bool
	EstimatedSize int64 // bytes, 0 if unknown
	AudioOnly     bool
}

// VideoInfo is the normalized metadata for a single video.
type VideoInfo struct {
	ID        string
	Title     string
	Duration  float64 // seconds
	Uploader  string
	Thumbnail string
	Formats   []FormatInfo
	Qualities []QualityOption
}

// PlaylistEntry is one bounded entry of a playlist. Index starts at 1.
type PlaylistEntry struct {
	Index    int
	ID       string
	Title    string
	URL      string
	Duration float64
}

// PlaylistInfo is the normalized metadata for a playlist URL.
type PlaylistInfo struct {
	ID         string
	Title      string
	Uploader   string
	TotalCount int
	Videos     []PlaylistEntry
}

// MediaInfo is the result of a metadata probe: either a single video or a
// playlist with entries.
type MediaInfo struct {
	IsPlaylist bool
	Video      *VideoInfo
	Playlist   *PlaylistInfo
}
