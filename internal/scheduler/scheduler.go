// Package scheduler runs a list of download jobs over a fixed number of
// workers and reports them through the output manager.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/chunkwise/internal/engine"
	"github.com/tanq16/chunkwise/internal/output"
	"github.com/tanq16/chunkwise/internal/resume"
	"github.com/tanq16/chunkwise/internal/source"
	"github.com/tanq16/chunkwise/internal/utils"
)

type Options struct {
	Engine  engine.Config
	Source  source.Config
	Workers int
	// Output receives the display; nil renders to the terminal.
	Output io.Writer
}

type Scheduler struct {
	opts    Options
	mgr     *output.Manager
	mu      sync.Mutex
	engines map[string]*engine.Engine
	paused  bool
}

func New(opts Options) *Scheduler {
	mgr := output.NewManager()
	if opts.Output != nil {
		mgr = output.NewManagerWithWriter(opts.Output, false)
	}
	return &Scheduler{opts: opts, mgr: mgr, engines: make(map[string]*engine.Engine)}
}

// Run downloads every job and returns an error when any of them failed.
func (s *Scheduler) Run(ctx context.Context, jobs []utils.Job) error {
	s.mgr.StartDisplay()
	defer s.mgr.StopDisplay()

	jobCh := make(chan utils.Job, len(jobs))
	for _, job := range jobs {
		jobCh <- job
	}
	close(jobCh)

	var wg sync.WaitGroup
	for i, n := 0, max(s.opts.Workers, 1); i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				s.processJob(ctx, job)
			}
		}()
	}
	wg.Wait()

	if _, failed, total := s.mgr.Counts(); failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", failed, total)
	}
	return nil
}

// TogglePause pauses every running download, or resumes them when paused.
func (s *Scheduler) TogglePause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = !s.paused
	for _, e := range s.engines {
		if s.paused {
			e.Pause()
		} else {
			e.Unpause()
		}
	}
	s.mgr.SetPaused(s.paused)
	log.Debug().Str("op", "scheduler/scheduler").Bool("paused", s.paused).Msg("Pause toggled")
	return s.paused
}

func (s *Scheduler) track(id string, e *engine.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		e.Pause()
	}
	s.engines[id] = e
}

func (s *Scheduler) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.engines, id)
}

func (s *Scheduler) processJob(ctx context.Context, job utils.Job) {
	id := s.mgr.Register(job.URL)
	job.ID = id
	s.mgr.SetStatus(id, "pending")
	s.mgr.SetMessage(id, fmt.Sprintf("Checking %s", job.URL))

	srcCfg := s.opts.Source
	srcCfg.HTTP = job.HTTPConfig
	if profile, ok := job.Metadata["profile"].(string); ok && profile != "" {
		srcCfg.S3Profile = profile
	}
	src, err := source.Open(ctx, job.URL, srcCfg)
	if err != nil {
		s.mgr.ReportError(id, fmt.Errorf("opening source: %v", err))
		return
	}
	defer src.Close()

	if err := s.resolvePaths(ctx, &job, src); err != nil {
		s.mgr.ReportError(id, err)
		return
	}

	cfg := s.opts.Engine
	cfg.StatePath = job.StatePath
	e := engine.New(src, cfg)
	e.OnProgress(func(p engine.Progress) {
		s.mgr.SetProgress(id, p.ReceivedBytes, p.TotalBytes, p.Speed, p.ActiveChunks)
	})
	s.track(id, e)
	defer s.untrack(id)

	s.mgr.SetStatus(id, "running")
	s.mgr.SetMessage(id, fmt.Sprintf("Downloading %s", job.OutputPath))
	if pkg := loadPackage(job); pkg != nil {
		s.mgr.SetMessage(id, fmt.Sprintf("Resuming %s", job.OutputPath))
		err = e.Resume(ctx, pkg)
	} else {
		err = e.Download(ctx, job.OutputPath)
	}
	var received int64
	if pkg := e.Package(); pkg != nil {
		received = pkg.ReceivedBytes()
		if derr := pkg.Dispose(); derr != nil && err == nil {
			err = derr
		}
	}

	switch {
	case errors.Is(err, utils.ErrCanceled):
		s.mgr.ReportError(id, fmt.Errorf("canceled, progress saved to %s", job.StatePath))
	case err != nil:
		s.mgr.ReportError(id, err)
	default:
		if cerr := utils.CleanFunction(job.OutputPath); cerr != nil {
			log.Warn().Err(cerr).Str("path", job.OutputPath).Msg("Failed to clean temporary files")
		}
		s.mgr.Complete(id, fmt.Sprintf("Downloaded %s (%s)", job.OutputPath, utils.FormatBytes(uint64(received))))
	}
}

// resolvePaths infers a missing output path from the source and avoids
// overwriting an unrelated existing file.
func (s *Scheduler) resolvePaths(ctx context.Context, job *utils.Job, src source.Source) error {
	if job.OutputPath == "" {
		d, err := src.Describe(ctx)
		if err != nil {
			return fmt.Errorf("error describing source: %v", err)
		}
		job.OutputPath = d.FileName
		if job.OutputPath == "" {
			job.OutputPath = "download"
		}
	}
	if job.StatePath == "" {
		job.StatePath = utils.StatePath(job.OutputPath)
	}
	if _, err := os.Stat(job.StatePath); err == nil {
		return nil
	}
	if _, err := os.Stat(job.OutputPath); err == nil {
		job.OutputPath = utils.RenewOutputPath(job.OutputPath)
		job.StatePath = utils.StatePath(job.OutputPath)
	}
	return os.MkdirAll(filepath.Dir(job.OutputPath), 0755)
}

// loadPackage returns the saved package for job, nil when there is none or
// it belongs to another download.
func loadPackage(job utils.Job) *resume.Package {
	pkg, err := resume.Load(job.StatePath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", job.StatePath).Msg("Ignoring unreadable state file")
		}
		return nil
	}
	if pkg.FileName != job.OutputPath {
		log.Warn().Str("path", job.StatePath).Str("file", pkg.FileName).Msg("State file belongs to another output, starting over")
		return nil
	}
	return pkg
}
