package models

import (
	"path/filepath"
	"strings"
	"time"
)

// SourceFile is one file discovered by the walker.
type SourceFile struct {
	Context     string    `json:"context"`
	Path        string    `json:"path"`
	AbsPath     string    `json:"-"`
	Language    string    `json:"language"`
	ContentHash string    `json:"contentHash"`
	ModTime     time.Time `json:"modTime"`
	Size        int64     `json:"size"`
}

// Language detection by extension
var LanguageByExtension = map[string]string{
	".go":   "go",
	".py":   "python",
	".ts":   "typescript",
	".tsx":  "typescript",
	".js":   "javascript",
	".jsx":  "javascript",
	".mjs":  "javascript",
	".java": "java",
	".kt":   "kotlin",
	".kts":  "kotlin",
}

func DetectLanguage(path string) string {
	return LanguageByExtension[strings.ToLower(filepath.Ext(path))]
}
