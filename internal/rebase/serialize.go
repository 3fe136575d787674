package rebase

import (
	"encoding/json"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
)

// commandRow is the persisted form of a plan command.
type commandRow struct {
	Kind     string   `json:"kind"`
	Commit   string   `json:"commit,omitempty"`
	Parents  []string `json:"parents,omitempty"`
	Mainline int      `json:"mainline,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Old      string   `json:"old,omitempty"`
}

type planRow struct {
	ID       string       `json:"id"`
	Root     string       `json:"root"`
	Dest     string       `json:"dest"`
	Commands []commandRow `json:"commands"`
}

func hexes(ids []plumbing.Hash) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func unhexes(raw []string) []plumbing.Hash {
	out := make([]plumbing.Hash, len(raw))
	for i, s := range raw {
		out[i] = plumbing.NewHash(s)
	}
	return out
}

// EncodePlan serializes a plan for persistence alongside its cursor.
func EncodePlan(plan *Plan) ([]byte, error) {
	row := planRow{
		ID:       plan.ID,
		Root:     plan.Root.String(),
		Dest:     plan.Dest.String(),
		Commands: make([]commandRow, 0, len(plan.Commands)),
	}
	for _, cmd := range plan.Commands {
		switch c := cmd.(type) {
		case Pick:
			row.Commands = append(row.Commands, commandRow{Kind: "pick", Commit: c.Commit.String(), Parents: hexes(c.Parents)})
		case Skip:
			row.Commands = append(row.Commands, commandRow{Kind: "skip", Commit: c.Commit.String(), Parents: hexes(c.Parents), Reason: string(c.Reason)})
		case Merge:
			row.Commands = append(row.Commands, commandRow{Kind: "merge", Commit: c.Commit.String(), Parents: hexes(c.Parents), Mainline: c.Mainline})
		case RegisterPostRewrite:
			row.Commands = append(row.Commands, commandRow{Kind: "register", Old: c.Old.String()})
		default:
			return nil, fmt.Errorf("encode plan: unknown command %T", cmd)
		}
	}
	return json.Marshal(row)
}

// DecodePlan restores a plan previously written by EncodePlan.
func DecodePlan(data []byte) (*Plan, error) {
	var row planRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	plan := &Plan{
		ID:       row.ID,
		Root:     plumbing.NewHash(row.Root),
		Dest:     plumbing.NewHash(row.Dest),
		Commands: make([]Command, 0, len(row.Commands)),
	}
	for _, c := range row.Commands {
		switch c.Kind {
		case "pick":
			plan.Commands = append(plan.Commands, Pick{Commit: plumbing.NewHash(c.Commit), Parents: unhexes(c.Parents)})
		case "skip":
			plan.Commands = append(plan.Commands, Skip{Commit: plumbing.NewHash(c.Commit), Parents: unhexes(c.Parents), Reason: SkipReason(c.Reason)})
		case "merge":
			plan.Commands = append(plan.Commands, Merge{Commit: plumbing.NewHash(c.Commit), Parents: unhexes(c.Parents), Mainline: c.Mainline})
		case "register":
			plan.Commands = append(plan.Commands, RegisterPostRewrite{Old: plumbing.NewHash(c.Old)})
		default:
			return nil, fmt.Errorf("decode plan: unknown command kind %q", c.Kind)
		}
	}
	return plan, nil
}
