package model

import "testing"

func TestStatus_IsActive(t *testing.T) {
	tests := []struct {
		status   Status
		expected bool
	}{
		{StatusPending, false},
		{StatusDownloading, true},
		{StatusMerging, true},
		{StatusPaused, false},
		{StatusCompleted, false},
		{StatusFailed, false},
		{StatusCancelled, false},
	}

	for _, test := range tests {
		if got := test.status.IsActive(); got != test.expected {
			t.Errorf("%s.IsActive() = %v, expected %v", test.status, got, test.expected)
		}
	}
}

func TestStatus_IsFinished(t *testing.T) {
	tests := []struct {
		status   Status
		expected bool
	}{
		{StatusPending, false},
		{StatusDownloading, false},
		{StatusMerging, false},
		{StatusPaused, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}

	for _, test := range tests {
		if got := test.status.IsFinished(); got != test.expected {
			t.Errorf("%s.IsFinished() = %v, expected %v", test.status, got, test.expected)
		}
	}
}

func TestStatus_IsResumable(t *testing.T) {
	tests := []struct {
		status   Status
		expected bool
	}{
		{StatusPending, true},
		{StatusPaused, true},
		{StatusDownloading, false},
		{StatusMerging, false},
		{StatusCompleted, false},
		{StatusFailed, false},
		{StatusCancelled, false},
	}

	for _, test := range tests {
		if got := test.status.IsResumable(); got != test.expected {
			t.Errorf("%s.IsResumable() = %v, expected %v", test.status, got, test.expected)
		}
	}
}
