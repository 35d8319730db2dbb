package models

type IndexFileInput struct {
	Path    string `json:"path" validate:"required"`
	Context string `json:"context" validate:"required"`
}

type IndexDirectoryInput struct {
	Path      string `json:"path" validate:"required_without=RepoURL"`
	RepoURL   string `json:"repoUrl" validate:"omitempty,url"`
	Branch    string `json:"branch"`
	Context   string `json:"context" validate:"required"`
	Recursive *bool  `json:"recursive"`
}

type ReindexInput struct {
	Path        string `json:"path" validate:"required"`
	Context     string `json:"context" validate:"required"`
	RemoveStale bool   `json:"removeStale"`
}
