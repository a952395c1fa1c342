package ytdlp

import (
	"testing"

	"github.com/ytget/dlengine/internal/model"
)

func sampleVideo() *model.VideoInfo {
	return &model.VideoInfo{
		ID:       "abc123",
		Title:    "Sample",
		Duration: 600,
		Formats: []model.FormatInfo{
			{ID: "140", Ext: "m4a", Protocol: "https", VideoCodec: "none", AudioCodec: "mp4a.40.2", Bitrate: 128},
			{ID: "251", Ext: "webm", Protocol: "https", VideoCodec: "none", AudioCodec: "opus", Bitrate: 160},
			{ID: "137", Ext: "mp4", Protocol: "https", Resolution: 1080, FPS: 30, VideoCodec: "avc1.640028", AudioCodec: "none", Filesize: 90_000_000},
			{ID: "248", Ext: "webm", Protocol: "https", Resolution: 1080, FPS: 30, VideoCodec: "vp9", AudioCodec: "none", Filesize: 80_000_000},
			{ID: "22", Ext: "mp4", Protocol: "https", Resolution: 720, FPS: 30, VideoCodec: "avc1.64001F", AudioCodec: "mp4a.40.2", FilesizeApprox: 60_000_000},
			{ID: "136", Ext: "mp4", Protocol: "https", Resolution: 720, FPS: 30, VideoCodec: "avc1.4d401f", AudioCodec: "none", Filesize: 50_000_000},
			{ID: "hls-1080", Ext: "mp4", Protocol: "m3u8_native", Resolution: 1080, VideoCodec: "avc1", AudioCodec: "mp4a"},
		},
	}
}

func TestBuildQualityOptions_OrderingAndDefault(t *testing.T) {
	options := BuildQualityOptions(sampleVideo())

	if len(options) != 3 {
		t.Fatalf("got %d options, want 3 (1080p, 720p, audio)", len(options))
	}
	if options[0].Label != "1080p" || options[1].Label != "720p" {
		t.Errorf("ordering = %q, %q; want 1080p then 720p", options[0].Label, options[1].Label)
	}
	last := options[len(options)-1]
	if !last.AudioOnly || last.Label != "Audio only" {
		t.Errorf("last option = %+v, want audio-only", last)
	}
}

func TestBuildQualityOptions_CombinedPreferredOverMerge(t *testing.T) {
	options := BuildQualityOptions(sampleVideo())

	// 720p has a muxed stream (22); it must win over the video-only 136 so
	// no merge step is needed.
	if options[1].FormatID != "22" {
		t.Errorf("720p format = %s, want 22", options[1].FormatID)
	}
	if options[1].NeedsMerge {
		t.Error("720p should not need a merge")
	}

	// 1080p only has split streams; vp9 (248) beats avc1 (137) and the best
	// audio is attached for merging.
	if options[0].FormatID != "248" {
		t.Errorf("1080p format = %s, want 248", options[0].FormatID)
	}
	if !options[0].NeedsMerge || options[0].AudioFormatID == "" {
		t.Errorf("1080p should merge with an audio stream, got %+v", options[0])
	}
}

func TestBuildQualityOptions_BestAudioByFamilyThenBitrate(t *testing.T) {
	options := BuildQualityOptions(sampleVideo())
	last := options[len(options)-1]

	// m4a family wins over the higher-bitrate opus stream.
	if last.FormatID != "140" {
		t.Errorf("audio format = %s, want 140", last.FormatID)
	}
}

func TestBuildQualityOptions_UnreliableProtocolExcluded(t *testing.T) {
	for _, opt := range BuildQualityOptions(sampleVideo()) {
		if opt.FormatID == "hls-1080" {
			t.Fatal("m3u8 format must be excluded from selection")
		}
	}
}

func TestBuildQualityOptions_SizeEstimates(t *testing.T) {
	options := BuildQualityOptions(sampleVideo())

	// 1080p merge estimate = measured video size + audio bitrate estimate.
	audioEstimate := int64(128 * 1000 / 8 * 600)
	if want := int64(80_000_000) + audioEstimate; options[0].EstimatedSize != want {
		t.Errorf("1080p size = %d, want %d", options[0].EstimatedSize, want)
	}
	// 720p muxed uses the tool's approximation.
	if options[1].EstimatedSize != 60_000_000 {
		t.Errorf("720p size = %d, want 60000000", options[1].EstimatedSize)
	}
}

func TestSelectQuality(t *testing.T) {
	options := BuildQualityOptions(sampleVideo())

	tests := []struct {
		name      string
		selector  string
		audioOnly bool
		wantID    string
	}{
		{name: "empty selector picks default", wantID: "248"},
		{name: "resolution label", selector: "720p", wantID: "22"},
		{name: "bare resolution", selector: "720", wantID: "22"},
		{name: "format id", selector: "22", wantID: "22"},
		{name: "unknown falls back to default", selector: "4320p", wantID: "248"},
		{name: "audio only flag wins", selector: "1080p", audioOnly: true, wantID: "140"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opt, ok := SelectQuality(options, tt.selector, tt.audioOnly)
			if !ok {
				t.Fatal("no option selected")
			}
			if opt.FormatID != tt.wantID {
				t.Errorf("format = %s, want %s", opt.FormatID, tt.wantID)
			}
		})
	}
}
