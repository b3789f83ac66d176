package blob

import (
	"errors"
	"strings"
	"testing"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"my report (final).pdf", "my_report_final_pdf"},
		{"café.txt", "cafe.txt"},
		{"../../etc/passwd", "_etc_passwd"},
		{".env", "uploaded_file.env"},
		{"", "uploaded_file"},
		{"a__b...c", "a_b_c"},
		{"ﬁle.txt", "file.txt"},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeFilename_Length(t *testing.T) {
	got := SanitizeFilename(strings.Repeat("a", 300) + ".md")
	if len(got) != MaxFilenameBytes {
		t.Fatalf("len = %d, want %d", len(got), MaxFilenameBytes)
	}
	if !strings.HasSuffix(got, ".md") {
		t.Errorf("extension dropped: %q", got[len(got)-10:])
	}
}

func TestValidateFileType(t *testing.T) {
	tests := []struct {
		contentType string
		filename    string
		ok          bool
	}{
		{"application/pdf", "brief.pdf", true},
		{"text/plain; charset=utf-8", "notes.txt", true},
		{"application/x-msdownload", "setup.bin", false},
		{"Text/JavaScript", "x.txt", false},
		{"application/octet-stream", "run.SH", false},
		{"text/plain", "script.py", false},
	}
	for _, tt := range tests {
		err := ValidateFileType(tt.contentType, tt.filename)
		if tt.ok && err != nil {
			t.Errorf("ValidateFileType(%q, %q) = %v", tt.contentType, tt.filename, err)
		}
		if !tt.ok && !errors.Is(err, ErrDangerousType) {
			t.Errorf("ValidateFileType(%q, %q) = %v, want ErrDangerousType", tt.contentType, tt.filename, err)
		}
	}
}

func TestObjectKey(t *testing.T) {
	if got := ObjectKey("s1", "u1", "f1", "a.txt"); got != "s1/f1-a.txt" {
		t.Errorf("session key = %q", got)
	}
	if got := ObjectKey("", "u1", "f1", "a.txt"); got != "user-u1/f1-a.txt" {
		t.Errorf("user key = %q", got)
	}
}
