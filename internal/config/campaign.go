package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/crowdloop/internal/aggregate"
	"github.com/banshee-data/crowdloop/internal/evaluation"
	"github.com/banshee-data/crowdloop/internal/overlap"
	"github.com/banshee-data/crowdloop/internal/rehost"
	"github.com/banshee-data/crowdloop/internal/rules"
	"github.com/banshee-data/crowdloop/internal/service"
	"github.com/banshee-data/crowdloop/internal/task"
)

// Campaign modes.
const (
	ModeClassification = "classification"
	ModeFeedback       = "feedback"
)

// Evaluation methods.
const (
	EvalControl    = "control"
	EvalCrossCheck = "cross_check"
	EvalOutlier    = "outlier"
)

// Aggregation methods.
const (
	AggMajority      = "majority"
	AggEM            = "em"
	AggMaxLikelihood = "max_likelihood"
)

const (
	defaultOverlap      = 3
	defaultCheckOverlap = 1
	defaultDynamicMax   = 3
	defaultLabelField   = "label"
	defaultPollInterval = 60 * time.Second
	defaultRPS          = 10.0
	maxFileSize         = 1 * 1024 * 1024 // 1MB
)

// CampaignConfig is the JSON description of one labelling campaign.
// Omitted fields fall back to the defaults returned by the Get* methods.
type CampaignConfig struct {
	Mode         *string `json:"mode,omitempty"` // classification | feedback
	BatchID      *string `json:"batch_id,omitempty"`
	CheckBatchID *string `json:"check_batch_id,omitempty"`

	// Item schema, e.g. [{"name":"text","kind":"string"}]. Empty accepts
	// any tuple.
	Schema     []task.FieldSpec `json:"schema,omitempty"`
	LabelField *string          `json:"label_field,omitempty"`
	GroupField *string          `json:"group_field,omitempty"`
	Classes    []string         `json:"classes,omitempty"`

	Overlap      *OverlapConfig `json:"overlap,omitempty"`
	CheckOverlap *OverlapConfig `json:"check_overlap,omitempty"`
	MaxAttempts  *int           `json:"max_attempts,omitempty"`

	Evaluation        *string            `json:"evaluation,omitempty"`
	CanHaveZeroChecks *bool              `json:"can_have_zero_checks,omitempty"`
	Outlier           *OutlierConfig     `json:"outlier,omitempty"`
	CheckSample       *CheckSampleConfig `json:"check_sample,omitempty"`

	Rules      []RuleConfig `json:"rules,omitempty"`
	CheckRules []RuleConfig `json:"check_rules,omitempty"`

	Aggregation           *string  `json:"aggregation,omitempty"`
	EMIterations          *int     `json:"em_iterations,omitempty"`
	WorkerWeightSmoothing *float64 `json:"worker_weight_smoothing,omitempty"`

	PollInterval      *string      `json:"poll_interval,omitempty"` // duration string like "60s"
	Retry             *RetryConfig `json:"retry,omitempty"`
	RequestsPerSecond *float64     `json:"requests_per_second,omitempty"`

	RehostWorkers *int    `json:"rehost_workers,omitempty"`
	RehostDest    *string `json:"rehost_destination,omitempty"` // base URL; empty disables re-hosting
}

// OverlapConfig is either a bare integer (static overlap) or an object
// {"min":1,"max":5,"confidence":0.8}. Confidence may also be a per-label
// table {"cat":0.9,"dog":0.7}; labels not listed need the highest listed
// threshold.
type OverlapConfig struct {
	Min        int
	Max        int
	Confidence *task.Threshold
}

type overlapObject struct {
	Min        *int            `json:"min,omitempty"`
	Max        *int            `json:"max,omitempty"`
	Confidence json.RawMessage `json:"confidence,omitempty"`
}

func (o *OverlapConfig) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*o = OverlapConfig{Min: n, Max: n}
		return nil
	}
	var obj overlapObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("overlap must be an integer or an object: %w", err)
	}
	*o = OverlapConfig{Min: 1}
	if obj.Min != nil {
		o.Min = *obj.Min
	}
	switch {
	case obj.Max != nil:
		o.Max = *obj.Max
	case len(obj.Confidence) > 0:
		o.Max = max(o.Min, defaultDynamicMax)
	default:
		o.Max = o.Min
	}
	if len(obj.Confidence) == 0 {
		return nil
	}
	var scalar float64
	if err := json.Unmarshal(obj.Confidence, &scalar); err == nil {
		o.Confidence = &task.Threshold{Default: scalar}
		return nil
	}
	var table map[string]float64
	if err := json.Unmarshal(obj.Confidence, &table); err != nil {
		return fmt.Errorf("overlap confidence must be a number or a label table: %w", err)
	}
	t := &task.Threshold{PerLabel: table}
	for _, v := range table {
		t.Default = math.Max(t.Default, v)
	}
	o.Confidence = t
	return nil
}

func (o OverlapConfig) MarshalJSON() ([]byte, error) {
	if o.Confidence == nil && o.Min == o.Max {
		return json.Marshal(o.Min)
	}
	obj := map[string]interface{}{"min": o.Min, "max": o.Max}
	if o.Confidence != nil {
		if len(o.Confidence.PerLabel) > 0 {
			obj["confidence"] = o.Confidence.PerLabel
		} else {
			obj["confidence"] = o.Confidence.Default
		}
	}
	return json.Marshal(obj)
}

// Overlap converts the config to the runtime requirement.
func (o OverlapConfig) Overlap() task.Overlap {
	if o.Confidence == nil {
		if o.Min == o.Max {
			return task.StaticOverlap(o.Min)
		}
		return task.Overlap{Min: o.Min, Max: o.Max}
	}
	return task.DynamicOverlap(o.Min, o.Max, *o.Confidence)
}

// OutlierConfig configures the statistical outlier evaluator.
type OutlierConfig struct {
	AlgorithmField string  `json:"algorithm_field"`
	ScoreField     string  `json:"score_field"`
	MinCorrelation float64 `json:"min_correlation"`
}

// CheckSampleConfig bounds verification of markup submissions.
type CheckSampleConfig struct {
	MaxItemsToCheck               int      `json:"max_items_to_check"`
	AccuracyFinalizationThreshold *float64 `json:"accuracy_finalization_threshold,omitempty"`
}

// RetryConfig configures retries of transient service failures.
type RetryConfig struct {
	Attempts    *int    `json:"attempts,omitempty"`
	BaseDelay   *string `json:"base_delay,omitempty"`
	MaxDelay    *string `json:"max_delay,omitempty"`
	CallTimeout *string `json:"call_timeout,omitempty"`
}

// RuleConfig is one {when, action} entry.
type RuleConfig struct {
	When   PredicateConfig `json:"when"`
	Action ActionConfig    `json:"action"`
}

// PredicateConfig is exactly one of a threshold comparison or an
// all/any/not combinator.
type PredicateConfig struct {
	Metric string            `json:"metric,omitempty"`
	Op     string            `json:"op,omitempty"`
	Value  *float64          `json:"value,omitempty"`
	All    []PredicateConfig `json:"all,omitempty"`
	Any    []PredicateConfig `json:"any,omitempty"`
	Not    *PredicateConfig  `json:"not,omitempty"`
}

// ActionConfig is a block, status or bonus action.
type ActionConfig struct {
	Type     string  `json:"type"` // block | status | bonus
	Scope    string  `json:"scope,omitempty"`
	Duration string  `json:"duration,omitempty"` // empty means permanent
	Status   string  `json:"status,omitempty"`
	Amount   float64 `json:"amount,omitempty"`
	Comment  string  `json:"comment,omitempty"`
}

// EmptyCampaignConfig returns a CampaignConfig with all fields unset.
func EmptyCampaignConfig() *CampaignConfig {
	return &CampaignConfig{}
}

// LoadCampaignConfig loads a CampaignConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted
// from the file keep their defaults, so partial configs are safe.
func LoadCampaignConfig(path string) (*CampaignConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyCampaignConfig()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *CampaignConfig) Validate() error {
	switch c.GetMode() {
	case ModeClassification, ModeFeedback:
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModeClassification, ModeFeedback, c.GetMode())
	}
	if c.GetBatchID() == "" {
		return fmt.Errorf("batch_id is required")
	}
	if c.GetMode() == ModeFeedback && c.GetCheckBatchID() == c.GetBatchID() {
		return fmt.Errorf("check_batch_id must differ from batch_id")
	}
	for _, f := range c.Schema {
		if f.Name == "" || !f.Kind.Valid() {
			return fmt.Errorf("invalid schema field %q of kind %q", f.Name, f.Kind)
		}
	}

	if err := c.GetOverlap().Validate(); err != nil {
		return fmt.Errorf("overlap: %w", err)
	}
	if err := c.GetCheckOverlap().Validate(); err != nil {
		return fmt.Errorf("check_overlap: %w", err)
	}
	if c.MaxAttempts != nil && *c.MaxAttempts < c.GetOverlap().Max {
		return fmt.Errorf("max_attempts %d is below the overlap maximum %d", *c.MaxAttempts, c.GetOverlap().Max)
	}

	switch c.GetEvaluation() {
	case EvalControl:
	case EvalCrossCheck:
		if c.GetMode() != ModeFeedback {
			return fmt.Errorf("evaluation %q needs mode %q", EvalCrossCheck, ModeFeedback)
		}
	case EvalOutlier:
		if c.Outlier == nil || c.Outlier.AlgorithmField == "" || c.Outlier.ScoreField == "" {
			return fmt.Errorf("evaluation %q needs outlier.algorithm_field and outlier.score_field", EvalOutlier)
		}
	default:
		return fmt.Errorf("unknown evaluation %q", c.GetEvaluation())
	}

	if s := c.CheckSample; s != nil {
		if s.MaxItemsToCheck < 0 {
			return fmt.Errorf("check_sample.max_items_to_check must be non-negative, got %d", s.MaxItemsToCheck)
		}
		if t := c.GetAccuracyFinalizationThreshold(); t < 0 || t > 1 {
			return fmt.Errorf("check_sample.accuracy_finalization_threshold must be between 0 and 1, got %f", t)
		}
	}

	if _, err := BuildRules(c.Rules); err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	if _, err := BuildRules(c.CheckRules); err != nil {
		return fmt.Errorf("check_rules: %w", err)
	}

	switch c.GetAggregation() {
	case AggMajority, AggEM, AggMaxLikelihood:
	default:
		return fmt.Errorf("unknown aggregation %q", c.GetAggregation())
	}
	if c.EMIterations != nil && *c.EMIterations < 1 {
		return fmt.Errorf("em_iterations must be positive, got %d", *c.EMIterations)
	}
	if c.WorkerWeightSmoothing != nil && *c.WorkerWeightSmoothing < 0 {
		return fmt.Errorf("worker_weight_smoothing must be non-negative, got %f", *c.WorkerWeightSmoothing)
	}

	if c.PollInterval != nil && *c.PollInterval != "" {
		if _, err := time.ParseDuration(*c.PollInterval); err != nil {
			return fmt.Errorf("invalid poll_interval '%s': %w", *c.PollInterval, err)
		}
	}
	if r := c.Retry; r != nil {
		for name, v := range map[string]*string{"base_delay": r.BaseDelay, "max_delay": r.MaxDelay, "call_timeout": r.CallTimeout} {
			if v == nil || *v == "" {
				continue
			}
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid retry.%s '%s': %w", name, *v, err)
			}
		}
		if r.Attempts != nil && *r.Attempts < 1 {
			return fmt.Errorf("retry.attempts must be positive, got %d", *r.Attempts)
		}
	}
	if c.RequestsPerSecond != nil && *c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must be non-negative, got %f", *c.RequestsPerSecond)
	}
	if c.RehostWorkers != nil && *c.RehostWorkers < 1 {
		return fmt.Errorf("rehost_workers must be positive, got %d", *c.RehostWorkers)
	}
	return nil
}

// GetMode returns the campaign mode or the default.
func (c *CampaignConfig) GetMode() string {
	if c.Mode == nil || *c.Mode == "" {
		return ModeClassification
	}
	return *c.Mode
}

// GetBatchID returns the batch_id value.
func (c *CampaignConfig) GetBatchID() string {
	if c.BatchID == nil {
		return ""
	}
	return *c.BatchID
}

// GetCheckBatchID returns the check_batch_id value or batch_id + "-check".
func (c *CampaignConfig) GetCheckBatchID() string {
	if c.CheckBatchID == nil || *c.CheckBatchID == "" {
		return c.GetBatchID() + "-check"
	}
	return *c.CheckBatchID
}

// GetSchema returns the item schema.
func (c *CampaignConfig) GetSchema() task.Schema {
	return task.Schema{Fields: c.Schema}
}

// GetLabelSpec returns where the label of an answer lives.
func (c *CampaignConfig) GetLabelSpec() task.LabelSpec {
	spec := task.LabelSpec{Field: defaultLabelField}
	if c.LabelField != nil && *c.LabelField != "" {
		spec.Field = *c.LabelField
	}
	if c.GroupField != nil {
		spec.GroupField = *c.GroupField
	}
	return spec
}

// GetClasses returns the declared label space; nil lets aggregators use
// the observed labels.
func (c *CampaignConfig) GetClasses() []task.Label {
	if len(c.Classes) == 0 {
		return nil
	}
	out := make([]task.Label, len(c.Classes))
	for i, v := range c.Classes {
		out[i] = task.Label{Value: task.LabelValue(v).Key()}
	}
	return out
}

// GetOverlap returns the overlap requirement or the default static 3.
func (c *CampaignConfig) GetOverlap() task.Overlap {
	if c.Overlap == nil {
		return task.StaticOverlap(defaultOverlap)
	}
	return c.Overlap.Overlap()
}

// GetCheckOverlap returns the verification overlap or the default static 1.
func (c *CampaignConfig) GetCheckOverlap() task.Overlap {
	if c.CheckOverlap == nil {
		return task.StaticOverlap(defaultCheckOverlap)
	}
	return c.CheckOverlap.Overlap()
}

// GetMaxAttempts returns max_attempts; zero lets the controller use twice
// the overlap maximum.
func (c *CampaignConfig) GetMaxAttempts() int {
	if c.MaxAttempts == nil {
		return 0
	}
	return *c.MaxAttempts
}

// GetEvaluation returns the evaluation method or the default.
func (c *CampaignConfig) GetEvaluation() string {
	if c.Evaluation == nil || *c.Evaluation == "" {
		return EvalControl
	}
	return *c.Evaluation
}

// GetMaxItemsToCheck returns the first sample size; zero checks everything.
func (c *CampaignConfig) GetMaxItemsToCheck() int {
	if c.CheckSample == nil {
		return 0
	}
	return c.CheckSample.MaxItemsToCheck
}

// GetAccuracyFinalizationThreshold returns the sampled accuracy above
// which unchecked answers are finalised.
func (c *CampaignConfig) GetAccuracyFinalizationThreshold() float64 {
	if c.CheckSample == nil || c.CheckSample.AccuracyFinalizationThreshold == nil {
		return 0.8
	}
	return *c.CheckSample.AccuracyFinalizationThreshold
}

// GetAggregation returns the aggregation method or the default.
func (c *CampaignConfig) GetAggregation() string {
	if c.Aggregation == nil || *c.Aggregation == "" {
		return AggMajority
	}
	return *c.Aggregation
}

// GetEMIterations returns em_iterations or the default.
func (c *CampaignConfig) GetEMIterations() int {
	if c.EMIterations == nil {
		return aggregate.DefaultEMIterations
	}
	return *c.EMIterations
}

// GetWorkerWeightSmoothing returns the Laplace constant k or the default.
func (c *CampaignConfig) GetWorkerWeightSmoothing() float64 {
	if c.WorkerWeightSmoothing == nil {
		return aggregate.DefaultSmoothing
	}
	return *c.WorkerWeightSmoothing
}

// GetPollInterval parses and returns the PollInterval as a time.Duration.
func (c *CampaignConfig) GetPollInterval() time.Duration {
	if c.PollInterval == nil || *c.PollInterval == "" {
		return defaultPollInterval
	}
	d, err := time.ParseDuration(*c.PollInterval)
	if err != nil {
		return defaultPollInterval // default on parse error
	}
	return d
}

// GetRequestsPerSecond returns the client rate limit or the default.
func (c *CampaignConfig) GetRequestsPerSecond() float64 {
	if c.RequestsPerSecond == nil {
		return defaultRPS
	}
	return *c.RequestsPerSecond
}

// GetRehostWorkers returns rehost_workers or the default.
func (c *CampaignConfig) GetRehostWorkers() int {
	if c.RehostWorkers == nil {
		return rehost.DefaultWorkers
	}
	return *c.RehostWorkers
}

// GetRehostDest returns the re-hosting destination; empty disables it.
func (c *CampaignConfig) GetRehostDest() string {
	if c.RehostDest == nil {
		return ""
	}
	return *c.RehostDest
}

// BuildOverlap returns the overlap controller of the main batch.
func (c *CampaignConfig) BuildOverlap() overlap.Controller {
	return overlap.Controller{Overlap: c.GetOverlap(), MaxAttempts: c.GetMaxAttempts()}
}

// BuildCheckOverlap returns the overlap controller of the check batch.
func (c *CampaignConfig) BuildCheckOverlap() overlap.Controller {
	return overlap.Controller{Overlap: c.GetCheckOverlap()}
}

// BuildEvaluator returns the evaluator of the classification batch, or of
// the check batch in feedback mode. Markup is always cross-checked, so a
// cross_check campaign scores its check batch on control items. When
// can_have_zero_checks is unset it follows hasControls: a campaign without
// control items accepts submissions that contain none.
func (c *CampaignConfig) BuildEvaluator(hasControls bool) evaluation.Evaluator {
	zero := !hasControls
	if c.CanHaveZeroChecks != nil {
		zero = *c.CanHaveZeroChecks
	}
	switch c.GetEvaluation() {
	case EvalOutlier:
		return &evaluation.StatisticalOutlier{
			AlgorithmField: c.Outlier.AlgorithmField,
			ScoreField:     c.Outlier.ScoreField,
			MinCorrelation: c.Outlier.MinCorrelation,
		}
	default:
		return evaluation.ControlItem{CanHaveZeroChecks: zero}
	}
}

// BuildAggregator returns the configured label aggregator.
func (c *CampaignConfig) BuildAggregator() aggregate.Aggregator {
	switch c.GetAggregation() {
	case AggEM:
		return aggregate.NewDawidSkene(c.GetEMIterations())
	case AggMaxLikelihood:
		return aggregate.WeightedMaxLikelihood{}
	default:
		return aggregate.MajorityVote{}
	}
}

// BuildRetryPolicy overlays the retry settings on the defaults.
func (c *CampaignConfig) BuildRetryPolicy() service.RetryPolicy {
	p := service.DefaultRetryPolicy()
	r := c.Retry
	if r == nil {
		return p
	}
	if r.Attempts != nil {
		p.Attempts = *r.Attempts
	}
	parse := func(s *string, d *time.Duration) {
		if s == nil || *s == "" {
			return
		}
		if v, err := time.ParseDuration(*s); err == nil {
			*d = v
		}
	}
	parse(r.BaseDelay, &p.BaseDelay)
	parse(r.MaxDelay, &p.MaxDelay)
	parse(r.CallTimeout, &p.CallTimeout)
	return p
}

// BuildRules converts rule configs to an engine, preserving order.
func BuildRules(cfgs []RuleConfig) (rules.Engine, error) {
	var e rules.Engine
	for i, rc := range cfgs {
		p, err := buildPredicate(rc.When)
		if err != nil {
			return rules.Engine{}, fmt.Errorf("rule %d: %w", i+1, err)
		}
		a, err := buildAction(rc.Action)
		if err != nil {
			return rules.Engine{}, fmt.Errorf("rule %d: %w", i+1, err)
		}
		e.Rules = append(e.Rules, rules.Rule{When: p, Action: a})
	}
	return e, nil
}

func buildPredicate(pc PredicateConfig) (rules.Predicate, error) {
	set := 0
	if pc.Metric != "" {
		set++
	}
	if pc.All != nil {
		set++
	}
	if pc.Any != nil {
		set++
	}
	if pc.Not != nil {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("predicate needs exactly one of metric, all, any, not")
	}

	switch {
	case pc.Metric != "":
		m := rules.Metric(pc.Metric)
		if m != rules.MetricAccuracy && m != rules.MetricDuration {
			return nil, fmt.Errorf("unknown metric %q", pc.Metric)
		}
		op := rules.Op(pc.Op)
		if !op.Valid() {
			return nil, fmt.Errorf("unknown operator %q", pc.Op)
		}
		if pc.Value == nil {
			return nil, fmt.Errorf("comparison on %s has no value", pc.Metric)
		}
		return rules.Threshold{Metric: m, Op: op, Value: *pc.Value}, nil
	case pc.Not != nil:
		p, err := buildPredicate(*pc.Not)
		if err != nil {
			return nil, err
		}
		return rules.Not{P: p}, nil
	}

	list := pc.All
	if pc.Any != nil {
		list = pc.Any
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("empty all/any combinator")
	}
	ps := make([]rules.Predicate, 0, len(list))
	for _, sub := range list {
		p, err := buildPredicate(sub)
		if err != nil {
			return nil, err
		}
		ps = append(ps, p)
	}
	if pc.Any != nil {
		return rules.Any(ps), nil
	}
	return rules.All(ps), nil
}

func buildAction(ac ActionConfig) (rules.Action, error) {
	switch ac.Type {
	case "block":
		scope := service.Scope(ac.Scope)
		if scope == "" {
			scope = service.ScopeProject
		}
		if scope != service.ScopeProject && scope != service.ScopeAll {
			return nil, fmt.Errorf("unknown block scope %q", ac.Scope)
		}
		var d time.Duration
		if ac.Duration != "" {
			var err error
			if d, err = time.ParseDuration(ac.Duration); err != nil {
				return nil, fmt.Errorf("invalid block duration '%s': %w", ac.Duration, err)
			}
		}
		return rules.BlockWorker{Scope: scope, Duration: d, Comment: ac.Comment}, nil
	case "status":
		st := task.Status(ac.Status)
		if st != task.StatusAccepted && st != task.StatusRejected {
			return nil, fmt.Errorf("status action must accept or reject, got %q", ac.Status)
		}
		return rules.SetStatus{Status: st, Comment: ac.Comment}, nil
	case "bonus":
		if ac.Amount <= 0 {
			return nil, fmt.Errorf("bonus amount must be positive, got %f", ac.Amount)
		}
		return rules.GrantBonus{Amount: ac.Amount, Comment: ac.Comment}, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", ac.Type)
	}
}
