package model

import "time"

// ResultsExport is the top-level JSON structure for graded result export.
type ResultsExport struct {
	TemplateID        string          `json:"template_id"`
	TemplateVersion   int             `json:"template_version"`
	SourceDocumentRef string          `json:"source_document_ref"`
	NumQuestions      int             `json:"num_questions"`
	ExportedAt        time.Time       `json:"exported_at"`
	Results           []StudentResult `json:"results"`
}

// StudentResult holds one student's graded submission for export.
type StudentResult struct {
	SubmissionID      string           `json:"submission_id"`
	StudentIdentifier string           `json:"student_identifier"`
	SourceDocumentRef string           `json:"source_document_ref,omitempty"`
	GradedAt          time.Time        `json:"graded_at"`
	TotalScore        float64          `json:"total_score"`
	MaxPossibleScore  float64          `json:"max_possible_score"`
	Percent           float64          `json:"percent"`
	HelpFlagged       bool             `json:"help_flagged"`
	Questions         []QuestionResult `json:"questions"`
}

// QuestionResult holds per-question data for export.
type QuestionResult struct {
	Question        string      `json:"question"`
	CorrectAnswer   string      `json:"correct_answer"`
	StudentAnswer   string      `json:"student_answer"`
	Score           float64     `json:"score"`
	MaxScore        float64     `json:"max_score"`
	HelpConfidence  float64     `json:"help_confidence"`
	MatchReason     MatchReason `json:"match_reason"`
	MatchConfidence float64     `json:"match_confidence"`
}
