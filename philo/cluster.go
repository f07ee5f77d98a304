package philo

import (
	"fmt"
	"sort"
	"strings"
)

// GroupClusters builds the cluster → actions mapping. An aligned member is inserted after
// the last aligned member already in its cluster, not at the very front, so aligned members
// precede unaligned ones and both keep encounter order. Clusters are ordered by member
// count, largest first; ties keep the order in which clusters were first seen.
func GroupClusters(assignments []ActionClusterAssignment) []ClusterGroup {
	index := make(map[ClusterLabel]int, len(assignments))
	aligned := make([]int, 0, len(assignments))
	var groups []ClusterGroup

	for _, a := range assignments {
		m := ClusterMember{Action: a.Action, Reason: a.Reason, Aligned: a.Aligned}
		i, ok := index[a.Cluster]
		if !ok {
			index[a.Cluster] = len(groups)
			groups = append(groups, ClusterGroup{Label: a.Cluster, Members: []ClusterMember{m}})
			n := 0
			if a.Aligned {
				n = 1
			}
			aligned = append(aligned, n)
			continue
		}
		g := &groups[i]
		if !a.Aligned {
			g.Members = append(g.Members, m)
			continue
		}
		// Insert after the last aligned member.
		at := aligned[i]
		g.Members = append(g.Members, ClusterMember{})
		copy(g.Members[at+1:], g.Members[at:])
		g.Members[at] = m
		aligned[i]++
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return len(groups[i].Members) > len(groups[j].Members)
	})
	return groups
}

// OrderedActions flattens groups into one action list in cluster order.
func OrderedActions(groups []ClusterGroup) []string {
	var out []string
	for _, g := range groups {
		for _, m := range g.Members {
			out = append(out, m.Action)
		}
	}
	return out
}

// ClusterOf maps each action to its cluster label.
func ClusterOf(groups []ClusterGroup) map[string]ClusterLabel {
	out := make(map[string]ClusterLabel)
	for _, g := range groups {
		for _, m := range g.Members {
			out[m.Action] = g.Label
		}
	}
	return out
}

// ClusterLegend renders one line per cluster: "label (n): a, b, c". Unaligned actions are
// marked with a trailing asterisk.
func ClusterLegend(groups []ClusterGroup) string {
	var b strings.Builder
	for _, g := range groups {
		names := make([]string, 0, len(g.Members))
		for _, m := range g.Members {
			if m.Aligned {
				names = append(names, m.Action)
			} else {
				names = append(names, m.Action+"*")
			}
		}
		fmt.Fprintf(&b, "%s (%d): %s\n", g.Label, len(g.Members), strings.Join(names, ", "))
	}
	return b.String()
}

// distinctActions trims and de-duplicates actions, keeping first-seen order.
func distinctActions(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
