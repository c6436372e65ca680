package controller

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dgnsrekt/stepdeck/internal/replay"
	"github.com/dgnsrekt/stepdeck/internal/types"
)

// LoadReplay loads a recording tab for playback.
func (s *Service) LoadReplay(ctx context.Context, recording, tabID string) (replay.Progress, error) {
	if _, err := s.requireSession(); err != nil {
		return replay.Progress{}, err
	}
	if err := s.requireNonEmpty(recording, "recording"); err != nil {
		return replay.Progress{}, err
	}
	if err := s.replay.Load(ctx, recording, tabID); err != nil {
		return replay.Progress{}, err
	}
	return s.replay.Progress(), nil
}

// StartReplay runs the loaded recording in the background and returns once
// the run has been accepted.
func (s *Service) StartReplay() (replay.Progress, error) {
	return s.startRun(false)
}

// ResumeReplay continues a paused run in the background.
func (s *Service) ResumeReplay() (replay.Progress, error) {
	return s.startRun(true)
}

// startRun moves the replay to running before returning so a pause sent
// right after the response is never lost.
func (s *Service) startRun(resume bool) (replay.Progress, error) {
	if err := s.replay.Begin(resume); err != nil {
		return replay.Progress{}, err
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		if err := s.replay.Continue(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("replay run ended with error", "error", err)
		}
	}()
	return s.replay.Progress(), nil
}

// PauseReplay asks the running replay to stop at the next step boundary.
func (s *Service) PauseReplay() replay.Progress {
	s.replay.Pause()
	return s.replay.Progress()
}

// SkipReplay skips the next pending step.
func (s *Service) SkipReplay(ctx context.Context) (replay.SkipResult, error) {
	return s.replay.Skip(ctx)
}

// RunReplayStep executes one loaded step synchronously with the given
// values.
func (s *Service) RunReplayStep(ctx context.Context, stepID string, params map[string]string) (replay.Progress, error) {
	if err := s.requireNonEmpty(stepID, "step_id"); err != nil {
		return replay.Progress{}, err
	}
	if err := s.replay.RunStep(ctx, stepID, params); err != nil {
		return s.replay.Progress(), err
	}
	return s.replay.Progress(), nil
}

// ProvideInput supplies values for a TYPE step waiting on input.
func (s *Service) ProvideInput(stepID string, values map[string]string) (replay.Progress, error) {
	if err := s.requireNonEmpty(stepID, "step_id"); err != nil {
		return replay.Progress{}, err
	}
	if err := s.replay.ProvideInput(stepID, values); err != nil {
		return replay.Progress{}, err
	}
	return s.replay.Progress(), nil
}

func (s *Service) ReplayProgress() replay.Progress {
	return s.replay.Progress()
}

func (s *Service) ReplayPages() [][]types.Step {
	return s.replay.Pages()
}

// StartLive begins polling screenshots of the active tab.
func (s *Service) StartLive() error {
	if _, err := s.requireSession(); err != nil {
		return err
	}
	s.poller.Start()
	return nil
}

// StopLive stops polling. A fetch in flight is discarded.
func (s *Service) StopLive() {
	s.poller.Stop()
}

func (s *Service) Live() bool {
	return s.poller.Live()
}
