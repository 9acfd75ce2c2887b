package normalize

import "fmt"

// IssueKind classifies a substitution or anomaly found while normalizing.
type IssueKind string

const (
	IssueUndecodable         IssueKind = "undecodable"
	IssueUnserializable      IssueKind = "unserializable"
	IssueInvalidEnum         IssueKind = "invalid_enum"
	IssueMissingOrganization IssueKind = "missing_organization"
	IssueInvalidOrganization IssueKind = "invalid_organization"
	IssueInvalidTimestamp    IssueKind = "invalid_timestamp"
	IssueWrongType           IssueKind = "wrong_type"
)

// Issue records one thing the normalizer had to work around. Issues never
// stop the pipeline; listeners log them for operators.
type Issue struct {
	Field  string
	Kind   IssueKind
	Detail string
}

func (i Issue) String() string {
	if i.Detail == "" {
		return fmt.Sprintf("%s: %s", i.Field, i.Kind)
	}
	return fmt.Sprintf("%s: %s (%s)", i.Field, i.Kind, i.Detail)
}
