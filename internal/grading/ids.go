package grading

import (
	"path"
	"strings"

	"github.com/google/uuid"
)

// submissionNamespace scopes name-based submission ids.
var submissionNamespace = uuid.MustParse("5b7d8c2e-3f1a-4c6e-9a0d-2e8f4b1c7a93")

// SubmissionID derives a stable id from a document reference, so uploading
// the same file twice yields the same submission.
func SubmissionID(ref string) string {
	return uuid.NewSHA1(submissionNamespace, []byte(ref)).String()
}

// StudentIdentifier derives a student name from a document reference: the
// file's base name without its extension.
func StudentIdentifier(ref string) string {
	base := path.Base(strings.ReplaceAll(ref, `\`, "/"))
	if ext := path.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "." || base == "/" {
		return ""
	}
	return base
}
