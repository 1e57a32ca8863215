// Package judge defines the adapter contract for online-judge backends.
//
// An adapter declares a set of capabilities and implements one optional
// interface per capability. Callers resolve adapters through a Registry,
// assert the interface they need, and pass a Context carrying the acting
// user. Adapters hold no per-user state: credentials are read from the
// Context's CredentialSource at the top of every call, so two users
// interleaving requests through the same adapter can never observe each
// other's sessions.
package judge

import (
	"context"
	"encoding/json"

	"github.com/tombee/grinder/pkg/problem"
)

// Capability names one operation family an adapter supports.
type Capability string

const (
	// CapFetch retrieves problem statements.
	CapFetch Capability = "fetch"
	// CapUpload creates problems and uploads test data.
	CapUpload Capability = "upload"
	// CapSubmit submits solution source for judging.
	CapSubmit Capability = "submit"
	// CapJudgeStatus polls the verdict of a prior submission.
	CapJudgeStatus Capability = "judge-status"
	// CapBatchFetch retrieves many statements in one round trip.
	CapBatchFetch Capability = "batch-fetch"
	// CapListTraining expands a training/contest reference into problem IDs.
	CapListTraining Capability = "list-training"
	// CapProvideSolution returns a known-good solution for a problem.
	CapProvideSolution Capability = "provide-solution"
)

// Verdict is the normalized judging outcome. Adapters map their backend's
// native status codes onto this set.
type Verdict string

const (
	VerdictPending      Verdict = "pending"
	VerdictAccepted     Verdict = "accepted"
	VerdictWrongAnswer  Verdict = "wrong_answer"
	VerdictRuntimeError Verdict = "runtime_error"
	VerdictTimeLimit    Verdict = "time_limit"
	VerdictMemoryLimit  Verdict = "memory_limit"
	VerdictCompileError Verdict = "compile_error"
)

// Terminal reports whether the verdict is final. Pending submissions are
// still in the judge queue and should be polled again.
func (v Verdict) Terminal() bool { return v != VerdictPending }

// FieldKind describes how a credential field should be collected and stored.
type FieldKind string

const (
	FieldText     FieldKind = "text"
	FieldPassword FieldKind = "password"
	FieldNumber   FieldKind = "number"
	FieldBool     FieldKind = "bool"
)

// ConfigField is one entry in an adapter's credential schema. Order in the
// schema slice is the order fields are presented to the user.
type ConfigField struct {
	Name     string    `json:"name"`
	Label    string    `json:"label"`
	Kind     FieldKind `json:"kind"`
	Required bool      `json:"required"`
	Help     string    `json:"help,omitempty"`
	Default  string    `json:"default,omitempty"`
}

// CredentialSource resolves per-user adapter credentials at call time.
// Implementations read from persistent storage so that configuration
// changes take effect on the next call without adapter restarts.
type CredentialSource interface {
	// AdapterConfig returns the decrypted credential map a user stored for
	// the named adapter. A missing configuration returns an empty map, not
	// an error; adapters decide which absent fields are fatal.
	AdapterConfig(ctx context.Context, userID int64, adapter string) (map[string]string, error)
}

// Context identifies the acting user for one adapter call. Every capability
// method receives it and must resolve credentials through it rather than
// caching them across calls.
type Context struct {
	UserID      int64
	Credentials CredentialSource
}

// Config is a convenience for adapters: it resolves the calling user's
// credentials for the named adapter, returning an empty map when the user
// has stored nothing.
func (c Context) Config(ctx context.Context, adapter string) (map[string]string, error) {
	if c.Credentials == nil {
		return map[string]string{}, nil
	}
	cfg, err := c.Credentials.AdapterConfig(ctx, c.UserID, adapter)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = map[string]string{}
	}
	return cfg, nil
}

// Adapter is the base contract every judge backend implements. Capability
// interfaces below are asserted at the call site.
type Adapter interface {
	// Name is the stable registry key, e.g. "luogu".
	Name() string
	// DisplayName is the human-readable backend name, e.g. "Luogu".
	DisplayName() string
	// Version identifies the adapter implementation revision.
	Version() string
	// Capabilities lists what this adapter can do.
	Capabilities() []Capability
	// ConfigSchema describes the credential fields users must provide.
	ConfigSchema() []ConfigField
}

// Fetcher retrieves a single problem statement.
type Fetcher interface {
	FetchProblem(ctx context.Context, cx Context, id string) (*problem.Statement, error)
}

// BatchFetcher retrieves several statements in one call. Adapters whose
// backend exposes a bulk endpoint implement this in addition to Fetcher;
// absent entries in the result map mean the backend had no such problem.
type BatchFetcher interface {
	FetchProblems(ctx context.Context, cx Context, ids []string) (map[string]*problem.Statement, error)
}

// UploadRequest carries everything needed to create a problem with test
// data on the target backend.
type UploadRequest struct {
	// Title the problem should carry on the backend.
	Title string
	// Statement is the problem body in the backend's markup.
	Statement *problem.Statement
	// DataZip is the packaged test data archive.
	DataZip []byte
	// SuggestedID is the caller's preferred backend identifier; adapters
	// may ignore it when the backend assigns IDs itself.
	SuggestedID string
}

// UploadResult reports the outcome of an upload. RealID may be empty when
// the backend acknowledged the upload without naming the created problem;
// callers then fall back to Raw inspection or a title search.
type UploadResult struct {
	// RealID is the backend-assigned problem identifier.
	RealID string
	// URL is the browsable location of the created problem, when known.
	URL string
	// Raw is the backend's response body, kept for ID extraction fallbacks.
	Raw json.RawMessage
}

// Uploader creates a problem and attaches test data.
type Uploader interface {
	UploadProblem(ctx context.Context, cx Context, req UploadRequest) (*UploadResult, error)
}

// FoundProblem is one title-search hit.
type FoundProblem struct {
	ID    string
	Title string
	URL   string
}

// TitleSearcher looks up problems by exact title on the backend. Upload
// targets implement it so re-runs can locate previously created problems
// instead of duplicating them.
type TitleSearcher interface {
	SearchByTitle(ctx context.Context, cx Context, title string) ([]FoundProblem, error)
}

// Submission identifies a judging run in flight on the backend.
type Submission struct {
	ID string
	// Language echoes the language the source was submitted under.
	Language string
}

// SubmitRequest carries a solution to be judged against a backend problem.
type SubmitRequest struct {
	ProblemID string
	Language  string
	Source    string
}

// Submitter sends solution source for judging.
type Submitter interface {
	Submit(ctx context.Context, cx Context, req SubmitRequest) (*Submission, error)
}

// JudgeStatus is the state of one submission at poll time. Logs carries
// whatever diagnostic text the backend exposes (compile errors, failing
// case summaries) and may be empty.
type JudgeStatus struct {
	Verdict Verdict
	Score   int
	Logs    string
}

// StatusJudge polls the verdict of a prior submission.
type StatusJudge interface {
	SubmissionStatus(ctx context.Context, cx Context, sub Submission) (*JudgeStatus, error)
}

// TrainingSelector narrows a training listing. Exactly one field is
// typically set; adapters define how each is interpreted.
type TrainingSelector struct {
	// ID names one training/contest to expand.
	ID string
	// Tag selects trainings carrying a backend tag.
	Tag string
	// Range selects a backend-specific numeric span, e.g. "1000-1100".
	Range string
}

// TrainingLister expands training or contest references into the problem
// IDs they contain, in the backend's presentation order.
type TrainingLister interface {
	ListTrainingProblems(ctx context.Context, cx Context, sel TrainingSelector) ([]string, error)
}

// ProvidedSolution is a known-good solution an adapter can supply without
// involving a language model.
type ProvidedSolution struct {
	Language string
	Source   string
}

// SolutionProvider returns a trusted solution for a problem when the
// backend stores one, e.g. an official editorial submission. Returning a
// nil solution with a nil error means none is available.
type SolutionProvider interface {
	ProvideSolution(ctx context.Context, cx Context, id string) (*ProvidedSolution, error)
}

// URLMatcher lets an adapter claim raw problem URLs during reference
// normalization. Adapters implement it when their backend's URLs are
// recognizable without credentials.
type URLMatcher interface {
	SupportsURL(raw string) bool
}

// Has reports whether the adapter declares the capability.
func Has(a Adapter, c Capability) bool {
	for _, got := range a.Capabilities() {
		if got == c {
			return true
		}
	}
	return false
}
