package sandbox

import (
	"encoding/json"
	"fmt"

	"github.com/isdmx/databox/fault"
	"github.com/isdmx/databox/policy"
)

// payload is the JSON document handed to the child runner. It carries the
// accepted script, the declarative policy the child re-enforces, and one
// chunk of rows.
type payload struct {
	Script        string         `json:"script"`
	Policy        *policy.Policy `json:"policy"`
	Columns       []string       `json:"columns"`
	Rows          [][]any        `json:"rows"`
	MaxOutputRows int64          `json:"max_output_rows"`
}

// reply is the single JSON document the child writes to stdout.
type reply struct {
	OK       bool     `json:"ok"`
	Columns  []string `json:"columns"`
	Rows     [][]any  `json:"rows"`
	RowCount int64    `json:"row_count"`
	Kind     string   `json:"kind"`
	Error    string   `json:"error"`
}

func encodePayload(req Request) ([]byte, error) {
	p := payload{
		Script:        req.Script.Source(),
		Policy:        req.Script.Policy(),
		Columns:       req.Chunk.Columns,
		Rows:          req.Chunk.Rows,
		MaxOutputRows: req.Limits.MaxOutputRows,
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

// decodeReply parses the child's stdout. A child that terminates without a
// parseable reply loses no information upstream: the caller folds in the
// exit status and stderr.
func decodeReply(stdout []byte) (*reply, error) {
	var r reply
	if err := json.Unmarshal(stdout, &r); err != nil {
		return nil, fmt.Errorf("unparseable child reply: %w", err)
	}
	return &r, nil
}

// replyError maps a structured child failure onto the fault taxonomy.
// PolicyViolation can surface here when the child's AST gate catches what
// the text-level validator could not.
func replyError(r *reply) error {
	kind := fault.Kind(r.Kind)
	switch kind {
	case fault.RuntimeFailure, fault.ResourceLimitExceeded, fault.PolicyViolation:
	default:
		kind = fault.RuntimeFailure
	}
	return fault.New(kind, "%s", r.Error)
}
