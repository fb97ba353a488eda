package diarization

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
)

// PyannoteProvider shells out to the PyAnnote diarization script and parses
// its JSON interval output. Missing python/script is a configuration error
// and must never be retried automatically.
type PyannoteProvider struct {
	pythonPath string
	scriptPath string
	device     string
	offline    bool
}

// NewPyannoteProvider validates the runtime pieces up front so a
// misconfiguration fails at construction, not mid-meeting.
func NewPyannoteProvider(opts BatchOptions) (*PyannoteProvider, error) {
	pythonPath := opts.PythonPath
	if pythonPath == "" {
		pythonPath = "python3"
	}
	if _, err := exec.LookPath(pythonPath); err != nil {
		return nil, fmt.Errorf("%w: python runtime not found (%s)", ErrConfiguration, pythonPath)
	}
	if opts.ScriptPath == "" {
		return nil, fmt.Errorf("%w: diarization script path not configured", ErrConfiguration)
	}
	if _, err := os.Stat(opts.ScriptPath); err != nil {
		return nil, fmt.Errorf("%w: diarization script %s: %v", ErrConfiguration, opts.ScriptPath, err)
	}
	return &PyannoteProvider{
		pythonPath: pythonPath,
		scriptPath: opts.ScriptPath,
		device:     opts.Device,
		offline:    opts.Offline,
	}, nil
}

func (p *PyannoteProvider) Name() string { return "pyannote" }

// Diarize runs the script over one audio file and returns speaker intervals.
func (p *PyannoteProvider) Diarize(ctx context.Context, audioPath string) ([]Annotation, error) {
	if _, err := os.Stat(audioPath); err != nil {
		return nil, fmt.Errorf("%w: audio file %s: %v", ErrProvider, audioPath, err)
	}

	args := []string{p.scriptPath, "--input", audioPath}
	if p.device != "" {
		args = append(args, "--device", p.device)
	}
	if p.offline {
		args = append(args, "--offline")
	}

	cmd := exec.CommandContext(ctx, p.pythonPath, args...)
	env := os.Environ()
	if p.offline {
		env = append(env, "HF_HUB_OFFLINE=1")
	}
	cmd.Env = env
	cmd.Stderr = os.Stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: pyannote run failed: %v", ErrProvider, err)
	}

	var anns []Annotation
	if err := json.Unmarshal(out, &anns); err != nil {
		return nil, fmt.Errorf("%w: malformed pyannote output: %v", ErrProvider, err)
	}

	return sanitizeAnnotations(anns), nil
}

// sanitizeAnnotations drops degenerate intervals and clamps negatives.
func sanitizeAnnotations(anns []Annotation) []Annotation {
	kept := make([]Annotation, 0, len(anns))
	for _, a := range anns {
		if a.Start < 0 {
			a.Start = 0
		}
		if a.End <= a.Start || a.Speaker == "" {
			log.Printf("[SD][sanitize] dropping interval start=%.3f end=%.3f speaker=%q", a.Start, a.End, a.Speaker)
			continue
		}
		kept = append(kept, a)
	}
	return kept
}
