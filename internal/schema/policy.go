package schema

// Policy is a dataset's schema-change configuration.
type Policy struct {
	Locked                 bool `json:"locked"`
	AutoGrow               bool `json:"auto_grow"`
	AutoApproveNonBreaking bool `json:"auto_approve_non_breaking"`
}

// Decision is the routing outcome of schema validation.
type Decision string

// Validation decisions.
const (
	DecisionUnchanged Decision = "unchanged"
	DecisionPublish   Decision = "publish"
	DecisionApproval  Decision = "approval"
)

// Decide routes a diff according to policy. Breaking changes always need
// approval; a locked dataset needs approval for any change; non-breaking
// changes publish automatically only when the dataset allows auto-grow and
// auto-approval. A first schema follows the same rules as a non-breaking
// change.
func Decide(p Policy, d *Diff) (Decision, string) {
	switch {
	case !d.HasChanges():
		return DecisionUnchanged, "no schema changes"
	case d.Breaking():
		return DecisionApproval, "breaking schema changes"
	case p.Locked:
		return DecisionApproval, "dataset schema is locked"
	case p.AutoGrow && p.AutoApproveNonBreaking:
		return DecisionPublish, "non-breaking changes auto-approved"
	default:
		return DecisionApproval, "dataset requires approval for schema changes"
	}
}
