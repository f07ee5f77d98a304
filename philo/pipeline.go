package philo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Prompt names, one per pipeline stage.
const (
	PromptPhilosophies         = "philosophies"
	PromptActionFromPhilosophy = "action_from_philosophy"
	PromptDetermineClusters    = "determine_clusters"
	PromptActionCluster        = "action_cluster"
	PromptScoreAction          = "score_action"
)

// PromptRenderer produces finished prompts from named, versioned templates. Resolve maps a
// requested version (such as "latest") to the concrete version Render would use.
type PromptRenderer interface {
	Resolve(name string, version int) (int, error)
	Render(name string, version int) (string, error)
	RenderWithInput(name string, version int, input string) (string, error)
}

// StageVersions selects the template version used by each stage.
type StageVersions struct {
	Philosophies int `yaml:"philosophies"`
	Actions      int `yaml:"actions"`
	Clusters     int `yaml:"clusters"`
	Assignment   int `yaml:"assignment"`
	Scores       int `yaml:"scores"`
}

// StageRefresh forces fresh model calls for a stage, ignoring cached responses.
type StageRefresh struct {
	Philosophies bool `yaml:"philosophies"`
	Actions      bool `yaml:"actions"`
	Clusters     bool `yaml:"clusters"`
	Assignment   bool `yaml:"assignment"`
	Scores       bool `yaml:"scores"`
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	Versions   StageVersions
	Refresh    StageRefresh
	MaxRetries int

	// Structured attaches output-format hints to every exchange.
	Structured bool

	// Scorer, when set, runs the scoring stage (typically a cheaper model).
	Scorer *Exchanger

	Logger *zap.Logger
}

// RunState is everything one pipeline run derives. Only the history cache outlives it.
type RunState struct {
	Philosophies []Philosophy
	Judgments    []ActionJudgment

	// Actions is every judged action across philosophies, duplicates included.
	Actions []string

	Clusters    []Cluster
	Assignments []ActionClusterAssignment
	Groups      []ClusterGroup
	Scores      []ActionScore
}

// Pipeline runs the philosophies → actions → clusters → scores chain.
type Pipeline struct {
	ex      *Exchanger
	scorer  *Exchanger
	prompts PromptRenderer
	opts    PipelineOptions
	logger  *zap.Logger
	state   RunState
}

// NewPipeline creates a pipeline over ex and prompts.
func NewPipeline(ex *Exchanger, prompts PromptRenderer, opts PipelineOptions) (*Pipeline, error) {
	if ex == nil {
		return nil, errors.New("NewPipeline: exchanger is nil")
	}
	if prompts == nil {
		return nil, errors.New("NewPipeline: prompts is nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	scorer := opts.Scorer
	if scorer == nil {
		scorer = ex
	}
	return &Pipeline{
		ex:      ex,
		scorer:  scorer,
		prompts: prompts,
		opts:    opts,
		logger:  logger,
	}, nil
}

// State returns the data derived so far.
func (p *Pipeline) State() *RunState { return &p.state }

// Run executes all four stages and returns the scorecard. Columns follow cluster order.
func (p *Pipeline) Run(ctx context.Context) (Scorecard, error) {
	start := time.Now()
	p.state = RunState{}

	philosophies, err := p.Philosophies(ctx)
	if err != nil {
		return Scorecard{}, err
	}
	_, actions, err := p.CollectActions(ctx, philosophies)
	if err != nil {
		return Scorecard{}, err
	}
	groups, err := p.ClusterActions(ctx, actions)
	if err != nil {
		return Scorecard{}, err
	}
	order := OrderedActions(groups)
	scores, err := p.ActionScores(ctx, order, philosophies)
	if err != nil {
		return Scorecard{}, err
	}

	sc := BuildScorecard(scores, order, ClusterOf(groups))
	p.logger.Info("pipeline complete",
		zap.Int("philosophies", len(philosophies)),
		zap.Int("actions", len(order)),
		zap.Int("clusters", len(groups)),
		zap.Int("scores", len(scores)),
		zap.Duration("elapsed", time.Since(start).Round(time.Millisecond)))
	return sc, nil
}

// Philosophies runs the first stage: one exchange listing philosophies.
func (p *Pipeline) Philosophies(ctx context.Context) ([]Philosophy, error) {
	version, err := p.prompts.Resolve(PromptPhilosophies, p.opts.Versions.Philosophies)
	if err != nil {
		return nil, fmt.Errorf("Philosophies: %w", err)
	}
	prompt, err := p.prompts.Render(PromptPhilosophies, version)
	if err != nil {
		return nil, fmt.Errorf("Philosophies: %w", err)
	}
	rows, err := exchangeRows(ctx, p.ex, ExchangeRequest{
		Prompt:       prompt,
		Key:          NewHistoryKey(PromptPhilosophies, version),
		ForceRefresh: p.opts.Refresh.Philosophies,
		MaxRetries:   p.opts.MaxRetries,
		Format:       p.format("philosophies", Philosophy{}),
	}, checkPhilosophies)
	if err != nil {
		return nil, fmt.Errorf("Philosophies: %w", err)
	}
	for i := range rows {
		rows[i].Name = strings.TrimSpace(rows[i].Name)
		rows[i].Description = strings.TrimSpace(rows[i].Description)
	}
	p.state.Philosophies = rows
	p.logger.Info("philosophies ready", zap.Int("count", len(rows)))
	return rows, nil
}

func checkPhilosophies(rows []Philosophy) error {
	if len(rows) == 0 {
		return errors.New("no philosophies returned")
	}
	for i, r := range rows {
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("philosophy %d has no name", i)
		}
	}
	return nil
}

// ActionsFromPhilosophy asks for actions the philosophy judges moral, immoral or undecided.
func (p *Pipeline) ActionsFromPhilosophy(ctx context.Context, ph Philosophy) ([]ActionJudgment, error) {
	version, err := p.prompts.Resolve(PromptActionFromPhilosophy, p.opts.Versions.Actions)
	if err != nil {
		return nil, fmt.Errorf("ActionsFromPhilosophy: %w", err)
	}
	input, err := FormatLiteral(ph)
	if err != nil {
		return nil, err
	}
	prompt, err := p.prompts.RenderWithInput(PromptActionFromPhilosophy, version, input)
	if err != nil {
		return nil, fmt.Errorf("ActionsFromPhilosophy: %w", err)
	}
	rows, err := exchangeRows(ctx, p.ex, ExchangeRequest{
		Prompt:       prompt,
		Key:          NewHistoryKey(PromptActionFromPhilosophy, version, ph.Name),
		ForceRefresh: p.opts.Refresh.Actions,
		MaxRetries:   p.opts.MaxRetries,
		Format:       p.format("action_judgments", ActionJudgment{}),
	}, checkJudgments)
	if err != nil {
		return nil, fmt.Errorf("ActionsFromPhilosophy %q: %w", ph.Name, err)
	}
	for i := range rows {
		rows[i].Action = strings.TrimSpace(rows[i].Action)
		rows[i].Philosophy = ph.Name
	}
	return rows, nil
}

func checkJudgments(rows []ActionJudgment) error {
	if len(rows) == 0 {
		return errors.New("no actions returned")
	}
	for i, r := range rows {
		if strings.TrimSpace(r.Action) == "" {
			return fmt.Errorf("action %d is empty", i)
		}
	}
	return nil
}

// CollectActions runs stage two for every philosophy in order and flattens the result.
// The returned action list keeps duplicates across philosophies.
func (p *Pipeline) CollectActions(ctx context.Context, philosophies []Philosophy) ([]ActionJudgment, []string, error) {
	var judgments []ActionJudgment
	var actions []string
	for i, ph := range philosophies {
		rows, err := p.ActionsFromPhilosophy(ctx, ph)
		if err != nil {
			return nil, nil, err
		}
		judgments = append(judgments, rows...)
		for _, r := range rows {
			actions = append(actions, r.Action)
		}
		p.logger.Debug("progress actions",
			zap.Int("done", i+1),
			zap.Int("total", len(philosophies)),
			zap.String("philosophy", ph.Name),
			zap.Int("actions", len(rows)))
	}
	p.state.Judgments = judgments
	p.state.Actions = actions
	p.logger.Info("actions collected", zap.Int("actions", len(actions)), zap.Int("distinct", len(distinctActions(actions))))
	return judgments, actions, nil
}

// DiscoverClusters asks for the cluster vocabulary covering actions.
func (p *Pipeline) DiscoverClusters(ctx context.Context, actions []string) ([]Cluster, error) {
	version, err := p.prompts.Resolve(PromptDetermineClusters, p.opts.Versions.Clusters)
	if err != nil {
		return nil, fmt.Errorf("DiscoverClusters: %w", err)
	}
	input, err := FormatLiteral(distinctActions(actions))
	if err != nil {
		return nil, err
	}
	prompt, err := p.prompts.RenderWithInput(PromptDetermineClusters, version, input)
	if err != nil {
		return nil, fmt.Errorf("DiscoverClusters: %w", err)
	}
	rows, err := exchangeRows(ctx, p.ex, ExchangeRequest{
		Prompt:       prompt,
		Key:          NewHistoryKey(PromptDetermineClusters, version),
		ForceRefresh: p.opts.Refresh.Clusters,
		MaxRetries:   p.opts.MaxRetries,
		Format:       p.format("clusters", Cluster{}),
	}, checkClusters)
	if err != nil {
		return nil, fmt.Errorf("DiscoverClusters: %w", err)
	}
	for i := range rows {
		rows[i].Label = ClusterLabel(strings.TrimSpace(string(rows[i].Label)))
	}
	p.state.Clusters = rows
	p.logger.Info("clusters discovered", zap.Int("count", len(rows)))
	return rows, nil
}

func checkClusters(rows []Cluster) error {
	if len(rows) == 0 {
		return errors.New("no clusters returned")
	}
	for i, r := range rows {
		if strings.TrimSpace(string(r.Label)) == "" {
			return fmt.Errorf("cluster %d has no label", i)
		}
	}
	return nil
}

type assignmentInput struct {
	Action   string    `json:"action"`
	Clusters []Cluster `json:"clusters"`
}

// AssignCluster places one action into one of the discovered clusters.
func (p *Pipeline) AssignCluster(ctx context.Context, action string, clusters []Cluster) (ActionClusterAssignment, error) {
	version, err := p.prompts.Resolve(PromptActionCluster, p.opts.Versions.Assignment)
	if err != nil {
		return ActionClusterAssignment{}, fmt.Errorf("AssignCluster: %w", err)
	}
	input, err := FormatLiteral(assignmentInput{Action: action, Clusters: clusters})
	if err != nil {
		return ActionClusterAssignment{}, err
	}
	prompt, err := p.prompts.RenderWithInput(PromptActionCluster, version, input)
	if err != nil {
		return ActionClusterAssignment{}, fmt.Errorf("AssignCluster: %w", err)
	}
	vocab := clusterVocabulary(clusters)
	rows, err := exchangeRows(ctx, p.ex, ExchangeRequest{
		Prompt:       prompt,
		Key:          NewHistoryKey(PromptActionCluster, version, action),
		ForceRefresh: p.opts.Refresh.Assignment,
		MaxRetries:   p.opts.MaxRetries,
		Format:       p.format("action_cluster", ActionClusterAssignment{}),
	}, func(rows []ActionClusterAssignment) error {
		if len(rows) != 1 {
			return fmt.Errorf("want exactly one assignment, got %d", len(rows))
		}
		if _, ok := vocab[normalizeLabel(rows[0].Cluster)]; !ok {
			return fmt.Errorf("cluster %q is not in the discovered vocabulary", rows[0].Cluster)
		}
		return nil
	})
	if err != nil {
		return ActionClusterAssignment{}, fmt.Errorf("AssignCluster %q: %w", action, err)
	}
	out := rows[0]
	out.Action = action
	out.Cluster = vocab[normalizeLabel(out.Cluster)]
	out.Reason = strings.TrimSpace(out.Reason)
	return out, nil
}

func clusterVocabulary(clusters []Cluster) map[string]ClusterLabel {
	out := make(map[string]ClusterLabel, len(clusters))
	for _, c := range clusters {
		key := normalizeLabel(c.Label)
		if _, ok := out[key]; !ok {
			out[key] = c.Label
		}
	}
	return out
}

func normalizeLabel(l ClusterLabel) string {
	return strings.ToLower(strings.TrimSpace(string(l)))
}

// ClusterActions discovers the vocabulary, assigns every distinct action, and groups them.
func (p *Pipeline) ClusterActions(ctx context.Context, actions []string) ([]ClusterGroup, error) {
	clusters, err := p.DiscoverClusters(ctx, actions)
	if err != nil {
		return nil, err
	}
	distinct := distinctActions(actions)
	assignments := make([]ActionClusterAssignment, 0, len(distinct))
	for i, a := range distinct {
		asg, err := p.AssignCluster(ctx, a, clusters)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, asg)
		p.logger.Debug("progress clusters",
			zap.Int("done", i+1),
			zap.Int("total", len(distinct)),
			zap.String("action", a),
			zap.String("cluster", string(asg.Cluster)))
	}
	groups := GroupClusters(assignments)
	p.state.Assignments = assignments
	p.state.Groups = groups
	p.logger.Info("actions clustered", zap.Int("actions", len(assignments)), zap.Int("clusters", len(groups)))
	return groups, nil
}

type scoreInput struct {
	Action       string       `json:"action"`
	Philosophies []Philosophy `json:"philosophies"`
}

// ScoreAction scores one action against every philosophy in a single exchange.
func (p *Pipeline) ScoreAction(ctx context.Context, action string, philosophies []Philosophy) ([]ActionScore, error) {
	version, err := p.prompts.Resolve(PromptScoreAction, p.opts.Versions.Scores)
	if err != nil {
		return nil, fmt.Errorf("ScoreAction: %w", err)
	}
	input, err := FormatLiteral(scoreInput{Action: action, Philosophies: philosophies})
	if err != nil {
		return nil, err
	}
	prompt, err := p.prompts.RenderWithInput(PromptScoreAction, version, input)
	if err != nil {
		return nil, fmt.Errorf("ScoreAction: %w", err)
	}
	names := philosophyNames(philosophies)
	rows, err := exchangeRows(ctx, p.scorer, ExchangeRequest{
		Prompt:       prompt,
		Key:          NewHistoryKey(PromptScoreAction, version, action),
		ForceRefresh: p.opts.Refresh.Scores,
		MaxRetries:   p.opts.MaxRetries,
		Format:       p.format("action_scores", scoreVerdict{}),
	}, func(rows []scoreVerdict) error {
		return checkVerdicts(rows, names)
	})
	if err != nil {
		return nil, fmt.Errorf("ScoreAction %q: %w", action, err)
	}

	byName := make(map[string]scoreVerdict, len(rows))
	for _, r := range rows {
		byName[normalizeName(r.Philosophy)] = r
	}
	out := make([]ActionScore, 0, len(philosophies))
	for _, ph := range philosophies {
		v := byName[normalizeName(ph.Name)]
		out = append(out, ActionScore{
			Action:     action,
			Philosophy: ph.Name,
			Morality:   v.Morality,
			Reason:     strings.TrimSpace(v.Reason),
		})
	}
	return out, nil
}

func philosophyNames(philosophies []Philosophy) map[string]struct{} {
	out := make(map[string]struct{}, len(philosophies))
	for _, ph := range philosophies {
		out[normalizeName(ph.Name)] = struct{}{}
	}
	return out
}

func checkVerdicts(rows []scoreVerdict, names map[string]struct{}) error {
	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		key := normalizeName(r.Philosophy)
		if _, ok := names[key]; !ok {
			return fmt.Errorf("verdict for unknown philosophy %q", r.Philosophy)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate verdict for philosophy %q", r.Philosophy)
		}
		seen[key] = struct{}{}
	}
	if len(seen) != len(names) {
		return fmt.Errorf("got verdicts for %d of %d philosophies", len(seen), len(names))
	}
	return nil
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ActionScores scores each distinct action, in order, against all philosophies.
// The result has exactly len(distinct actions) × len(philosophies) entries.
func (p *Pipeline) ActionScores(ctx context.Context, actions []string, philosophies []Philosophy) ([]ActionScore, error) {
	distinct := distinctActions(actions)
	scores := make([]ActionScore, 0, len(distinct)*len(philosophies))
	for i, a := range distinct {
		rows, err := p.ScoreAction(ctx, a, philosophies)
		if err != nil {
			return nil, err
		}
		scores = append(scores, rows...)
		p.logger.Debug("progress scores", zap.Int("done", i+1), zap.Int("total", len(distinct)), zap.String("action", a))
	}
	p.state.Scores = scores
	p.logger.Info("actions scored", zap.Int("actions", len(distinct)), zap.Int("scores", len(scores)))
	return scores, nil
}

func (p *Pipeline) format(name string, row any) *OutputFormat {
	if !p.opts.Structured {
		return nil
	}
	return &OutputFormat{Name: name, Row: row}
}

// exchangeRows runs an exchange whose reply must decode into rows passing check.
func exchangeRows[T any](ctx context.Context, ex *Exchanger, req ExchangeRequest, check func([]T) error) ([]T, error) {
	req.Validate = func(v any) error {
		rows, err := decodeRows[T](v)
		if err != nil {
			return err
		}
		return check(rows)
	}
	text, err := ex.Exchange(ctx, req)
	if err != nil {
		return nil, err
	}
	return DecodeRows[T](text)
}
