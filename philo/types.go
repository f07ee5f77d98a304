package philo

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Philosophy is one ethical tradition returned by the first pipeline stage.
type Philosophy struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Morality is a normalized verdict on an action.
type Morality string

const (
	Moral     Morality = "moral"
	Immoral   Morality = "immoral"
	Undecided Morality = "undecided"
)

// Value maps a verdict onto the scorecard scale.
func (m Morality) Value() int {
	switch m {
	case Moral:
		return 1
	case Immoral:
		return -1
	default:
		return 0
	}
}

// ParseMorality normalizes the spellings models tend to produce.
func ParseMorality(s string) Morality {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "moral", "good", "right", "yes", "true", "1":
		return Moral
	case "immoral", "bad", "wrong", "no", "false", "-1":
		return Immoral
	default:
		return Undecided
	}
}

// UnmarshalJSON accepts strings, booleans and numbers; unrecognized values decode to Undecided.
func (m *Morality) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*m = ParseMorality(s)
		return nil
	}
	var v bool
	if err := json.Unmarshal(b, &v); err == nil {
		if v {
			*m = Moral
		} else {
			*m = Immoral
		}
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		switch {
		case n > 0:
			*m = Moral
		case n < 0:
			*m = Immoral
		default:
			*m = Undecided
		}
		return nil
	}
	*m = Undecided
	return nil
}

// ActionJudgment is one action a philosophy considers moral, immoral or undecided.
type ActionJudgment struct {
	Action   string   `json:"action" jsonschema:"required"`
	Morality Morality `json:"moral" jsonschema:"required,enum=moral,enum=immoral,enum=undecided"`
	Reason   string   `json:"reason" jsonschema:"required"`

	// Philosophy is the name of the philosophy that produced the judgment.
	Philosophy string `json:"-"`
}

// ClusterLabel names a semantic group of actions.
type ClusterLabel string

// Cluster is one entry of the discovered label vocabulary.
type Cluster struct {
	Label       ClusterLabel `json:"cluster" jsonschema:"required"`
	Description string       `json:"description" jsonschema:"required"`
}

// ActionClusterAssignment places one action into one cluster.
type ActionClusterAssignment struct {
	Action  string       `json:"action" jsonschema:"required"`
	Cluster ClusterLabel `json:"cluster" jsonschema:"required"`
	Reason  string       `json:"reason" jsonschema:"required"`
	Aligned bool         `json:"aligned" jsonschema:"required"`
}

// ClusterMember is an action inside a ClusterGroup.
type ClusterMember struct {
	Action  string `json:"action"`
	Reason  string `json:"reason"`
	Aligned bool   `json:"aligned"`
}

// ClusterGroup is one cluster with its ordered members. Aligned members come first.
type ClusterGroup struct {
	Label   ClusterLabel    `json:"cluster"`
	Members []ClusterMember `json:"members"`
}

// ActionScore is the verdict of one philosophy on one action.
type ActionScore struct {
	Action     string   `json:"action"`
	Philosophy string   `json:"philosophy"`
	Morality   Morality `json:"morality"`
	Reason     string   `json:"reason"`
}

// scoreVerdict is the per-philosophy row the scoring prompt returns.
type scoreVerdict struct {
	Philosophy string   `json:"philosophy" jsonschema:"required"`
	Morality   Morality `json:"moral" jsonschema:"required,enum=moral,enum=immoral,enum=undecided"`
	Reason     string   `json:"reason" jsonschema:"required"`
}
