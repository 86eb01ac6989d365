package scan

import (
	"testing"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/stretchr/testify/assert"
)

func TestIndexClassifier(t *testing.T) {
	ignore := gitignore.NewMatcher([]gitignore.Pattern{
		gitignore.ParsePattern("*.log", nil),
		gitignore.ParsePattern("vendor/", nil),
		gitignore.ParsePattern("!keep.log", nil),
	})
	c := NewIndexClassifier([]string{"src/main.go", "vendor/pinned/lib.go", "trace.log"}, ignore, "third_party/lib", "vendor/sub")

	tests := []struct {
		path  string
		isDir bool
		want  Class
	}{
		{"src/main.go", false, Tracked},
		{"src", true, Tracked},
		{"src/new.go", false, Untracked},
		{"debug.log", false, Ignored},
		{"keep.log", false, Untracked},
		{"trace.log", false, Tracked},
		{"vendor", true, Tracked},
		{"vendor/pinned", true, Tracked},
		{"vendor/other", true, Ignored},
		{"docs", true, Untracked},
		{"third_party/lib", true, Nested},
		{"third_party", true, Untracked},
		{"vendor/sub", true, Nested},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Classify(tt.path, tt.isDir), tt.path)
	}

	bare := NewIndexClassifier(nil, ignore)
	assert.Equal(t, Ignored, bare.Classify("vendor", true))
}
