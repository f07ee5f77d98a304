package philo

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/theimaginaryfoundation/philo/philo/fileutils"
)

// MissingScore fills scorecard cells with no verdict. It is outside the -1..1 verdict range.
const MissingScore = -10

// Scorecard is the philosophy × action pivot of verdicts.
type Scorecard struct {
	Philosophies []string `json:"philosophies"`
	Actions      []string `json:"actions"`

	// Clusters holds the cluster label of each action column, when known.
	Clusters []ClusterLabel `json:"clusters,omitempty"`

	// Values[row][col] is 1, 0, -1 or MissingScore.
	Values [][]int `json:"values"`

	// Reasons[row][col] is the justification for Values[row][col].
	Reasons [][]string `json:"reasons"`
}

// BuildScorecard pivots scores. Columns follow actionOrder (de-duplicated), then any other
// action in first-seen order. Rows are sorted by descending value sum; ties keep first-seen
// order. clusterOf may be nil.
func BuildScorecard(scores []ActionScore, actionOrder []string, clusterOf map[string]ClusterLabel) Scorecard {
	type cell struct {
		value  int
		reason string
	}

	var philosophies []string
	rowIndex := map[string]int{}
	columns := distinctActions(actionOrder)
	colIndex := make(map[string]int, len(columns))
	for i, a := range columns {
		colIndex[a] = i
	}
	cells := map[[2]string]cell{}

	for _, s := range scores {
		action := strings.TrimSpace(s.Action)
		if action == "" || s.Philosophy == "" {
			continue
		}
		if _, ok := rowIndex[s.Philosophy]; !ok {
			rowIndex[s.Philosophy] = len(philosophies)
			philosophies = append(philosophies, s.Philosophy)
		}
		if _, ok := colIndex[action]; !ok {
			colIndex[action] = len(columns)
			columns = append(columns, action)
		}
		cells[[2]string{s.Philosophy, action}] = cell{value: s.Morality.Value(), reason: strings.TrimSpace(s.Reason)}
	}

	type row struct {
		name    string
		sum     int
		values  []int
		reasons []string
	}
	rows := make([]row, 0, len(philosophies))
	for _, p := range philosophies {
		r := row{name: p, values: make([]int, len(columns)), reasons: make([]string, len(columns))}
		for j, a := range columns {
			c, ok := cells[[2]string{p, a}]
			if !ok {
				c = cell{value: MissingScore}
			}
			r.values[j] = c.value
			r.reasons[j] = c.reason
			r.sum += c.value
		}
		rows = append(rows, r)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].sum > rows[j].sum })

	sc := Scorecard{
		Philosophies: make([]string, 0, len(rows)),
		Actions:      columns,
		Values:       make([][]int, 0, len(rows)),
		Reasons:      make([][]string, 0, len(rows)),
	}
	for _, r := range rows {
		sc.Philosophies = append(sc.Philosophies, r.name)
		sc.Values = append(sc.Values, r.values)
		sc.Reasons = append(sc.Reasons, r.reasons)
	}
	if len(clusterOf) > 0 {
		sc.Clusters = make([]ClusterLabel, len(columns))
		for j, a := range columns {
			sc.Clusters[j] = clusterOf[a]
		}
	}
	return sc
}

// ColumnHeader returns "cluster: action" for column j, or just the action when unclustered.
func (sc Scorecard) ColumnHeader(j int) string {
	if j < len(sc.Clusters) && sc.Clusters[j] != "" {
		return string(sc.Clusters[j]) + ": " + sc.Actions[j]
	}
	return sc.Actions[j]
}

// WriteScorecardJSON writes sc as pretty JSON.
func WriteScorecardJSON(path string, sc Scorecard) error {
	if path == "" {
		return errors.New("WriteScorecardJSON: path is empty")
	}
	if err := fileutils.WriteJSONFileAtomic(path, sc, true); err != nil {
		return fmt.Errorf("WriteScorecardJSON: %w", err)
	}
	return nil
}

// WriteScorecardCSV writes the value grid with one header row of column headers.
func WriteScorecardCSV(path string, sc Scorecard) error {
	if path == "" {
		return errors.New("WriteScorecardCSV: path is empty")
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := make([]string, 0, len(sc.Actions)+1)
	header = append(header, "philosophy")
	for j := range sc.Actions {
		header = append(header, sc.ColumnHeader(j))
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("WriteScorecardCSV: %w", err)
	}
	for i, p := range sc.Philosophies {
		rec := make([]string, 0, len(sc.Actions)+1)
		rec = append(rec, p)
		for _, v := range sc.Values[i] {
			rec = append(rec, strconv.Itoa(v))
		}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("WriteScorecardCSV: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("WriteScorecardCSV: %w", err)
	}
	if err := fileutils.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("WriteScorecardCSV: %w", err)
	}
	return nil
}

// WriteScorecardMarkdown writes a human-readable scorecard: the value table, the cluster
// legend, and the justification for every cell grouped by philosophy.
func WriteScorecardMarkdown(path string, sc Scorecard, groups []ClusterGroup) error {
	if path == "" {
		return errors.New("WriteScorecardMarkdown: path is empty")
	}
	if err := fileutils.WriteFileAtomic(path, []byte(RenderScorecardMarkdown(sc, groups)), 0o644); err != nil {
		return fmt.Errorf("WriteScorecardMarkdown: %w", err)
	}
	return nil
}

// RenderScorecardMarkdown is the body written by WriteScorecardMarkdown.
func RenderScorecardMarkdown(sc Scorecard, groups []ClusterGroup) string {
	var b strings.Builder
	b.WriteString("# Action morality scorecard\n\n")
	fmt.Fprintf(&b, "- philosophies: %d\n- actions: %d\n- scale: moral `1`, undecided `0`, immoral `-1`, missing `%d`\n\n",
		len(sc.Philosophies), len(sc.Actions), MissingScore)

	b.WriteString("| philosophy |")
	for j := range sc.Actions {
		fmt.Fprintf(&b, " %s |", tableCell(sc.ColumnHeader(j)))
	}
	b.WriteString("\n|---|")
	for range sc.Actions {
		b.WriteString("---:|")
	}
	b.WriteString("\n")
	for i, p := range sc.Philosophies {
		fmt.Fprintf(&b, "| %s |", tableCell(p))
		for _, v := range sc.Values[i] {
			fmt.Fprintf(&b, " %d |", v)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if len(groups) > 0 {
		b.WriteString("## Clusters\n\n")
		b.WriteString("Unaligned actions are marked with `*`.\n\n")
		for _, line := range strings.Split(strings.TrimRight(ClusterLegend(groups), "\n"), "\n") {
			fmt.Fprintf(&b, "- %s\n", tableCell(line))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Justifications\n")
	for i, p := range sc.Philosophies {
		fmt.Fprintf(&b, "\n### %s\n\n", tableCell(p))
		for j, a := range sc.Actions {
			if sc.Values[i][j] == MissingScore {
				fmt.Fprintf(&b, "- **%s** (missing)\n", tableCell(a))
				continue
			}
			fmt.Fprintf(&b, "- **%s** (%d): %s\n", tableCell(a), sc.Values[i][j], tableCell(sc.Reasons[i][j]))
		}
	}
	return b.String()
}

func tableCell(s string) string {
	return strings.ReplaceAll(fileutils.SingleLine(s), "|", `\|`)
}
