// Package simulated provides a stand-in pipeline runtime for development
// and load testing. It honors the residency contract (load, release,
// cache cleanup) with configurable delays instead of real GPU work.
package simulated

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/domain"
	"go.uber.org/zap"
)

type Pipeline struct {
	mu       sync.Mutex
	resident string

	loadDelay time.Duration
	stepDelay time.Duration
	memoryMB  float64
	log       *zap.Logger
}

func NewPipeline(loadDelay, stepDelay time.Duration, memoryMB float64, log *zap.Logger) *Pipeline {
	return &Pipeline{
		loadDelay: loadDelay,
		stepDelay: stepDelay,
		memoryMB:  memoryMB,
		log:       log,
	}
}

func (p *Pipeline) Load(ctx context.Context, model string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resident != "" {
		return fmt.Errorf("pipeline %s still resident, release it first", p.resident)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.loadDelay):
	}
	p.resident = model
	p.log.Info("Simulated pipeline loaded", zap.String("model", model))
	return nil
}

func (p *Pipeline) Release(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resident == "" {
		return 0, nil
	}
	p.log.Info("Simulated pipeline released", zap.String("model", p.resident))
	p.resident = ""
	return p.memoryMB, nil
}

func (p *Pipeline) CleanupCache(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.loadDelay / 4):
		return nil
	}
}

func (p *Pipeline) Generate(ctx context.Context, task *domain.Task, progress func(int)) (string, error) {
	p.mu.Lock()
	resident := p.resident
	p.mu.Unlock()
	if resident != task.Model {
		return "", fmt.Errorf("pipeline %s resident, task wants %s", resident, task.Model)
	}

	for pct := 10; pct <= 90; pct += 20 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.stepDelay):
		}
		progress(pct)
	}

	ext := "png"
	if task.Kind == domain.TaskKindVideo {
		ext = "mp4"
	}
	return fmt.Sprintf("results/%s.%s", task.ID, ext), nil
}
