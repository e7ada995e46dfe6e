package models

// These structs define the JSON payloads exchanged with the HTTP functions
// and the workflow that chains them.

// ReconcileRequest is the input for the reconciler function.
type ReconcileRequest struct {
	DryRun      bool   `json:"dryRun"`
	Rebuild     bool   `json:"rebuild"`
	ExecutionID string `json:"executionId"`
}

// ReconcileResponse is the output of the reconciler function.
type ReconcileResponse struct {
	Status string     `json:"status"`
	RunID  string     `json:"runId"`
	Report *RunReport `json:"report"`
}

// SubmitRequest is the input for the submitter function. An empty
// ProjectCode processes every project.
type SubmitRequest struct {
	ProjectCode string `json:"projectCode"`
	ExecutionID string `json:"executionId"`
}

// SubmitResponse is the output of the submitter function.
type SubmitResponse struct {
	Status    string     `json:"status"`
	RunID     string     `json:"runId"`
	Allocated []string   `json:"allocated"`
	Report    *RunReport `json:"report"`
}

// ItemFailure identifies one record that could not be processed so that the
// failed subset can be re-run.
type ItemFailure struct {
	Identity string `json:"identity"`
	Action   string `json:"action"`
	Reason   string `json:"reason"`
}

// RunReport is the summary every run ends with, persisted alongside the run.
type RunReport struct {
	RunID      string        `json:"runId" firestore:"runId"`
	Kind       string        `json:"kind" firestore:"kind"`
	DryRun     bool          `json:"dryRun" firestore:"dryRun"`
	Inserts    int           `json:"inserts" firestore:"inserts"`
	Updates    int           `json:"updates" firestore:"updates"`
	Deletes    int           `json:"deletes" firestore:"deletes"`
	Archived   int           `json:"archived" firestore:"archived"`
	Skipped    int           `json:"skipped" firestore:"skipped"`
	Failed     int           `json:"failed" firestore:"failed"`
	Review     []string      `json:"review,omitempty" firestore:"review,omitempty"`
	Duplicates []string      `json:"duplicates,omitempty" firestore:"duplicates,omitempty"`
	Failures   []ItemFailure `json:"failures,omitempty" firestore:"failures,omitempty"`
	Orphans    []string      `json:"orphans,omitempty" firestore:"orphans,omitempty"`
	Error      string        `json:"error,omitempty" firestore:"error,omitempty"`
}
