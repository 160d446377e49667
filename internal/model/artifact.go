package model

import "fmt"

// Artifact is a named output object. Identity is ArtifactID; the same
// artifact referenced by several events dedupes to one record.
type Artifact struct {
	ArtifactID  string `json:"artifactId,omitempty"`
	Name        string `json:"name"`
	URI         string `json:"uri"`
	ContentType string `json:"contentType"`
}

// Validate checks the fields every artifact reference must carry. An absent
// ArtifactID is tolerated; consumers key such artifacts by event position.
func (a Artifact) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: artifact name is required", ErrValidation)
	}
	return nil
}

// ArtifactRecord is the stored form of an artifact, including where its
// bytes live.
type ArtifactRecord struct {
	Artifact
	TopicID   string `json:"topicId"`
	RunID     string `json:"runId"`
	Path      string `json:"-"`
	Size      int64  `json:"size"`
	CreatedAt int64  `json:"createdAt"`
}
