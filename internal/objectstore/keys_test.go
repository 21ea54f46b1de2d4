package objectstore

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestObjectKeyDerivation(t *testing.T) {
	now := time.Date(2024, time.March, 5, 12, 30, 0, 0, time.UTC)

	type testCase struct {
		name       string
		campaignID string
		fileName   string
		want       string
	}

	cases := []testCase{
		{
			name:       "campaign scoped",
			campaignID: "spring-launch",
			fileName:   "teaser.mp4",
			want:       fmt.Sprintf("uploads/spring-launch/%d-teaser.mp4", now.UnixMilli()),
		},
		{
			name:       "no campaign falls back",
			campaignID: "",
			fileName:   "teaser.mp4",
			want:       fmt.Sprintf("uploads/uncategorized/%d-teaser.mp4", now.UnixMilli()),
		},
		{
			name:       "special characters replaced",
			campaignID: "camp 1!",
			fileName:   "My Video (final).mp4",
			want:       fmt.Sprintf("uploads/camp_1_/%d-My_Video__final_.mp4", now.UnixMilli()),
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := ObjectKey(tc.campaignID, tc.fileName, now); got != tc.want {
				t.Fatalf("unexpected key: got %q want %q", got, tc.want)
			}
		})
	}
}

func TestTitleFromFileName(t *testing.T) {
	type testCase struct {
		name     string
		fileName string
		want     string
	}

	cases := []testCase{
		{name: "strips extension", fileName: "launch-teaser.mp4", want: "launch-teaser"},
		{name: "keeps inner dots", fileName: "cut.v2.final.mov", want: "cut.v2.final"},
		{name: "no extension", fileName: "README", want: "README"},
		{name: "dotfile untouched", fileName: ".hidden", want: ".hidden"},
		{name: "trims whitespace", fileName: "  clip.webm ", want: "clip"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := TitleFromFileName(tc.fileName); got != tc.want {
				t.Fatalf("unexpected title: got %q want %q", got, tc.want)
			}
		})
	}
}

func TestSanitizeMetadata(t *testing.T) {
	long := strings.Repeat("a", maxMetadataValueLength+50)

	cleaned := SanitizeMetadata(map[string]string{
		"source":      "mobile-app\x00\x07",
		"note":        "line one\nline two",
		"oversized":   long,
		"\x01":        "dropped key",
		"empty-value": "\x02\x03",
	})

	if got := cleaned["source"]; got != "mobile-app" {
		t.Fatalf("control characters should be stripped: got %q", got)
	}
	if got := cleaned["note"]; got != "line one\nline two" {
		t.Fatalf("newlines should survive sanitization: got %q", got)
	}
	if got := len(cleaned["oversized"]); got != maxMetadataValueLength {
		t.Fatalf("oversized value should be clamped to %d, got %d", maxMetadataValueLength, got)
	}
	if _, ok := cleaned["\x01"]; ok {
		t.Fatal("unprintable key should be dropped")
	}
	if _, ok := cleaned["empty-value"]; ok {
		t.Fatal("value sanitizing to empty should drop the entry")
	}

	if SanitizeMetadata(nil) != nil {
		t.Fatal("nil metadata should stay nil")
	}
}
