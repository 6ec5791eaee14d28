package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/banshee-data/crowdloop/internal/config"
	"github.com/banshee-data/crowdloop/internal/loop"
	"github.com/banshee-data/crowdloop/internal/rehost"
	"github.com/banshee-data/crowdloop/internal/service"
	"github.com/banshee-data/crowdloop/internal/service/httpservice"
	"github.com/banshee-data/crowdloop/internal/service/sqliteservice"
	"github.com/banshee-data/crowdloop/internal/task"
)

const maxInputSize = 256 << 20

// inputFile is the campaign input: the items to label and, optionally,
// control items with known answers. In feedback mode the controls belong
// to the check batch.
type inputFile struct {
	Items    []task.Item          `json:"items"`
	Controls []task.ControlAnswer `json:"controls,omitempty"`
}

func loadInput(path string) (inputFile, error) {
	var in inputFile
	clean := filepath.Clean(path)
	info, err := os.Stat(clean)
	if err != nil {
		return in, fmt.Errorf("failed to stat input file: %w", err)
	}
	if info.Size() > maxInputSize {
		return in, fmt.Errorf("input file too large: %d bytes (max %d)", info.Size(), maxInputSize)
	}
	data, err := os.ReadFile(clean)
	if err != nil {
		return in, fmt.Errorf("failed to read input file: %w", err)
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("failed to parse input JSON: %w", err)
	}
	if len(in.Items) == 0 {
		return in, fmt.Errorf("input file %s has no items", path)
	}
	return in, nil
}

// openService connects to the remote service when url is set, otherwise
// opens the local sqlite service at dbPath. The returned func releases it.
func openService(cfg *config.CampaignConfig, url, token, dbPath string) (service.Service, func(), error) {
	if url != "" {
		c := httpservice.New(url,
			httpservice.WithToken(token),
			httpservice.WithRateLimit(cfg.GetRequestsPerSecond()))
		return service.NewRetrying(c, cfg.BuildRetryPolicy(), nil), func() {}, nil
	}
	local, err := sqliteservice.Open(dbPath, sqliteservice.Options{})
	if err != nil {
		return nil, nil, fmt.Errorf("open local service: %w", err)
	}
	return local, func() { local.Close() }, nil
}

func newClassification(cfg *config.CampaignConfig, svc service.Service, hasControls bool) (*loop.Classification, error) {
	engine, err := config.BuildRules(cfg.Rules)
	if err != nil {
		return nil, err
	}
	return &loop.Classification{
		Service:      svc,
		BatchID:      cfg.GetBatchID(),
		Schema:       cfg.GetSchema(),
		Label:        cfg.GetLabelSpec(),
		Classes:      cfg.GetClasses(),
		Overlap:      cfg.BuildOverlap(),
		Evaluator:    cfg.BuildEvaluator(hasControls),
		Rules:        engine,
		Aggregator:   cfg.BuildAggregator(),
		Smoothing:    cfg.GetWorkerWeightSmoothing(),
		PollInterval: cfg.GetPollInterval(),
	}, nil
}

func newFeedback(cfg *config.CampaignConfig, svc service.Service, hasControls bool) (*loop.Feedback, error) {
	markup, err := config.BuildRules(cfg.Rules)
	if err != nil {
		return nil, err
	}
	check, err := config.BuildRules(cfg.CheckRules)
	if err != nil {
		return nil, err
	}
	return &loop.Feedback{
		Service:       svc,
		MarkupBatchID: cfg.GetBatchID(),
		CheckBatchID:  cfg.GetCheckBatchID(),
		Schema:        cfg.GetSchema(),
		MarkupOverlap: cfg.BuildOverlap(),
		MarkupRules:   markup,
		Sample: loop.CheckSample{
			MaxItemsToCheck:               cfg.GetMaxItemsToCheck(),
			AccuracyFinalizationThreshold: cfg.GetAccuracyFinalizationThreshold(),
		},
		CheckOverlap:    cfg.BuildCheckOverlap(),
		CheckEvaluator:  cfg.BuildEvaluator(hasControls),
		CheckRules:      check,
		CheckAggregator: cfg.BuildAggregator(),
		Smoothing:       cfg.GetWorkerWeightSmoothing(),
		PollInterval:    cfg.GetPollInterval(),
	}, nil
}

type runOptions struct {
	once   bool // one pass instead of running to completion
	out    io.Writer
	rehost *rehost.Pool
}

type output struct {
	Mode    string      `json:"mode"`
	Done    bool        `json:"done"`
	Results interface{} `json:"results"`
}

// runCampaign publishes the input (a no-op for items already published),
// drives the configured loop and writes the results as JSON.
func runCampaign(ctx context.Context, cfg *config.CampaignConfig, svc service.Service, in inputFile, opts runOptions) error {
	var (
		res     interface{}
		answers []*task.Answer
		done    bool
	)
	switch cfg.GetMode() {
	case config.ModeFeedback:
		f, err := newFeedback(cfg, svc, len(in.Controls) > 0)
		if err != nil {
			return err
		}
		if err := f.Start(ctx, in.Items, in.Controls); err != nil {
			return err
		}
		if opts.once {
			rep, err := f.Pass(ctx)
			if err != nil {
				return err
			}
			done = rep.Done
		} else {
			if err := f.Run(ctx); err != nil {
				return err
			}
			done = true
		}
		results, err := f.Results(ctx)
		if err != nil {
			return err
		}
		for i := range results {
			for j := range results[i].Solutions {
				answers = append(answers, &results[i].Solutions[j].Answer)
			}
		}
		res = results

	default:
		c, err := newClassification(cfg, svc, len(in.Controls) > 0)
		if err != nil {
			return err
		}
		if err := c.Start(ctx, in.Items, in.Controls); err != nil {
			return err
		}
		if opts.once {
			rep, err := c.Pass(ctx)
			if err != nil {
				return err
			}
			done = rep.Done()
		} else {
			if err := c.Run(ctx); err != nil {
				return err
			}
			done = true
		}
		results, err := c.Results(ctx)
		if err != nil {
			return err
		}
		for i := range results {
			for j := range results[i].Answers {
				answers = append(answers, &results[i].Answers[j])
			}
		}
		res = results
	}

	if opts.rehost != nil && len(answers) > 0 {
		if err := opts.rehost.Answers(ctx, answers); err != nil {
			return fmt.Errorf("rehost attachments: %w", err)
		}
	}

	enc := json.NewEncoder(opts.out)
	enc.SetIndent("", "  ")
	return enc.Encode(output{Mode: cfg.GetMode(), Done: done, Results: res})
}
