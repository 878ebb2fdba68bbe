package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// QuestionAnswerRecord is one extracted question/answer unit.
type QuestionAnswerRecord struct {
	QuestionText  string            `json:"question_text" validate:"required"`
	AnswerText    string            `json:"answer_text"`
	QuestionIndex int               `json:"question_index" validate:"gte=0"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Well-known metadata keys carried over from the extraction output.
const (
	MetaPoints     = "points"
	MetaConfidence = "confidence"
	MetaReason     = "reason"
)

// Template is one persisted version of an answer key.
type Template struct {
	TemplateID        string                 `json:"template_id"`
	Version           int                    `json:"version"`
	Records           []QuestionAnswerRecord `json:"records"`
	CreatedAt         time.Time              `json:"created_at"`
	SourceDocumentRef string                 `json:"source_document_ref"`
	ContentHash       string                 `json:"content_hash"`
	DocumentHash      string                 `json:"document_hash,omitempty"`
}

// TemplateSummary describes a template lineage without its records.
type TemplateSummary struct {
	TemplateID        string    `json:"template_id"`
	LatestVersion     int       `json:"latest_version"`
	QuestionCount     int       `json:"question_count"`
	SourceDocumentRef string    `json:"source_document_ref"`
	CreatedAt         time.Time `json:"created_at"`
}

// SubmissionStatus tracks an uploaded submission through extraction.
type SubmissionStatus string

const (
	SubmissionExtracted SubmissionStatus = "extracted"
	SubmissionFailed    SubmissionStatus = "failed"
)

// Submission is one student's extracted answers.
type Submission struct {
	SubmissionID      string                 `json:"submission_id"`
	StudentIdentifier string                 `json:"student_identifier"`
	Records           []QuestionAnswerRecord `json:"records"`
	SourceDocumentRef string                 `json:"source_document_ref"`
	CreatedAt         time.Time              `json:"created_at"`
	Status            SubmissionStatus       `json:"status,omitempty"`
	Error             string                 `json:"error,omitempty"`
	DocumentHash      string                 `json:"document_hash,omitempty"`
}

// MatchReason tags how a template record was aligned.
type MatchReason string

const (
	MatchExact      MatchReason = "exact"
	MatchFuzzy      MatchReason = "fuzzy"
	MatchPositional MatchReason = "positional-fallback"
	MatchUnmatched  MatchReason = "unmatched"
)

// MatchResult aligns one template record to at most one submission record.
type MatchResult struct {
	TemplateQuestionIndex   int         `json:"template_question_index"`
	SubmissionQuestionIndex *int        `json:"submission_question_index"`
	AlignmentConfidence     float64     `json:"alignment_confidence"`
	MatchReason             MatchReason `json:"match_reason"`
}

// Matched reports whether a submission record was paired.
func (m MatchResult) Matched() bool {
	return m.SubmissionQuestionIndex != nil && m.MatchReason != MatchUnmatched
}

// GradeEntry is one scored template question.
type GradeEntry struct {
	TemplateQuestionIndex int         `json:"template_question_index"`
	Score                 float64     `json:"score"`
	MaxScore              float64     `json:"max_score"`
	HelpConfidence        float64     `json:"help_confidence"`
	Correct               bool        `json:"correct"`
	Match                 MatchResult `json:"match"`
	ExpectedAnswer        string      `json:"expected_answer"`
	SubmittedAnswer       string      `json:"submitted_answer"`
}

// HelpFlagged reports whether the entry should be surfaced as a possible
// request for help. A zero confidence is never flagged.
func (e GradeEntry) HelpFlagged(threshold float64) bool {
	return e.HelpConfidence > 0 && e.HelpConfidence >= threshold
}

// SubmissionSummary condenses one graded submission.
type SubmissionSummary struct {
	Correct     int     `json:"correct"`
	Incorrect   int     `json:"incorrect"`
	Unmatched   int     `json:"unmatched"`
	HelpFlagged int     `json:"help_flagged"`
	Percent     float64 `json:"percent"`
}

// GradedSubmission is the persisted grading outcome for one
// (submission, template version) pair.
type GradedSubmission struct {
	SubmissionID      string            `json:"submission_id"`
	StudentIdentifier string            `json:"student_identifier"`
	TemplateID        string            `json:"template_id"`
	TemplateVersion   int               `json:"template_version"`
	Entries           []GradeEntry      `json:"entries"`
	TotalScore        float64           `json:"total_score"`
	MaxPossibleScore  float64           `json:"max_possible_score"`
	Summary           SubmissionSummary `json:"summary"`
	GradedAt          time.Time         `json:"graded_at"`
	IdempotencyKey    string            `json:"idempotency_key"`
}

// BatchSummary aggregates a batch run.
type BatchSummary struct {
	Submissions     int     `json:"submissions"`
	Succeeded       int     `json:"succeeded"`
	Failed          int     `json:"failed"`
	MeanScore       float64 `json:"mean_score"`
	MeanPercent     float64 `json:"mean_percent"`
	HelpFlaggedSubs int     `json:"help_flagged_submissions"`
}

// BatchResult is the read-only view of one grade_batch call.
type BatchResult struct {
	BatchID           string             `json:"batch_id"`
	TemplateID        string             `json:"template_id"`
	TemplateVersion   int                `json:"template_version"`
	Results           []GradedSubmission `json:"results"`
	FailedSubmissions map[string]string  `json:"failed_submissions"`
	Summary           BatchSummary       `json:"summary"`
	CompletedAt       time.Time          `json:"completed_at"`
}

// IdempotencyKey derives the stable key for grading a submission against a
// template version.
func IdempotencyKey(submissionID, templateID string, templateVersion int) string {
	h := sha256.New()
	h.Write([]byte(submissionID))
	h.Write([]byte{0})
	h.Write([]byte(templateID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(templateVersion)))
	return hex.EncodeToString(h.Sum(nil))
}

// DocumentKind selects the extraction prompt for a document.
type DocumentKind string

const (
	KindSpreadsheet DocumentKind = "spreadsheet"
	KindDocument    DocumentKind = "document"
)

// Document is raw document content handed to the extraction capability.
type Document struct {
	Ref  string       `json:"ref"`
	Kind DocumentKind `json:"kind"`
	Text string       `json:"text"`
	Hash string       `json:"hash"`
}

// HashContent returns the hex SHA-256 of data.
func HashContent(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
