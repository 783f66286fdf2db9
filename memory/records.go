package memory

// RCAResult is the record the root-cause stage writes to the rca section.
type RCAResult struct {
	ErrorType        string   `json:"error_type" validate:"required"`
	ErrorMessage     string   `json:"error_message"`
	RootCause        string   `json:"root_cause" validate:"required"`
	AffectedFile     string   `json:"affected_file" validate:"required"`
	AffectedLine     int      `json:"affected_line" validate:"required,gt=0"`
	AffectedFunction string   `json:"affected_function"`
	Evidence         []string `json:"evidence" validate:"required,min=1,dive,required"`
	Timestamp        string   `json:"timestamp,omitempty"`
}

// FixPlan is the record the fix-planning stage writes to the fix_plan
// section.
type FixPlan struct {
	Description          string   `json:"description" validate:"required"`
	Steps                []string `json:"steps" validate:"required,min=1,dive,required"`
	SafetyConsiderations []string `json:"safety_considerations"`
	ExpectedOutcome      string   `json:"expected_outcome,omitempty"`
	Timestamp            string   `json:"timestamp,omitempty"`
}

// PatchMetadata is the record the patch stage writes to the patch_metadata
// section.
type PatchMetadata struct {
	OriginalFile  string   `json:"original_file" validate:"required"`
	PatchedFile   string   `json:"patched_file" validate:"required"`
	ChangesMade   []string `json:"changes_made" validate:"required,min=1,dive,required"`
	LinesModified []int    `json:"lines_modified,omitempty"`
	PatchContent  string   `json:"patch_content,omitempty"`
	Timestamp     string   `json:"timestamp,omitempty"`
}
