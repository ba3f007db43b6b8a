//
// Tencent is pleased to support the open source community by making trpc-cogmem-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-cogmem-go is licensed under the Apache License Version 2.0.
//
//

// Package agent orchestrates the Thought -> Action -> Observation loop over
// a model and a tool registry.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"trpc.group/trpc-go/trpc-cogmem-go/log"
	"trpc.group/trpc-go/trpc-cogmem-go/model"
	"trpc.group/trpc-go/trpc-cogmem-go/tool"
)

// Execution statuses.
const (
	StatusPending         = "pending"
	StatusRunning         = "running"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
	StatusTimeout         = "timeout"
	StatusMaxStepsReached = "max_steps_reached"
)

const (
	defaultMaxSteps = 10
	defaultTimeout  = 300 * time.Second

	tracerName = "trpc.group/trpc-go/trpc-cogmem-go/agent"
)

// ThinkingStep is one iteration of the reasoning loop.
type ThinkingStep struct {
	StepNumber  int            `json:"step_number"`
	Thought     string         `json:"thought"`
	Action      string         `json:"action,omitempty"`
	ActionInput map[string]any `json:"action_input,omitempty"`
	Observation string         `json:"observation,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ExecutionResult is the outcome of one run.
type ExecutionResult struct {
	Status          string         `json:"status"`
	FinalAnswer     string         `json:"final_answer,omitempty"`
	Steps           []ThinkingStep `json:"steps"`
	TotalDurationMS float64        `json:"total_duration_ms"`
	Error           string         `json:"error,omitempty"`
}

// RunRecorder persists run lifecycle transitions. The session service
// implements it.
type RunRecorder interface {
	CompleteRun(ctx context.Context, runID string) error
	FailRun(ctx context.Context, runID string, errMsg string) error
}

// StepRecorder persists reasoning steps, typically as thread events so the
// stream bridge can forward them.
type StepRecorder interface {
	RecordStep(ctx context.Context, runID string, step ThinkingStep) error
}

// Executor runs the reasoning loop until a final answer, the step limit or
// the timeout.
type Executor struct {
	model        model.Model
	registry     *tool.Registry
	recorder     RunRecorder
	stepRecorder StepRecorder

	maxSteps int
	timeout  time.Duration
}

// Option configures the executor.
type Option func(*Executor)

// WithMaxSteps caps the number of reasoning iterations.
func WithMaxSteps(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithTimeout bounds the whole run.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithRunRecorder records run transitions, usually on the session service.
func WithRunRecorder(r RunRecorder) Option {
	return func(e *Executor) {
		e.recorder = r
	}
}

// WithStepRecorder records each reasoning step as it completes.
func WithStepRecorder(r StepRecorder) Option {
	return func(e *Executor) {
		e.stepRecorder = r
	}
}

// New creates an executor over a model and a tool registry.
func New(m model.Model, registry *tool.Registry, opt ...Option) *Executor {
	e := &Executor{
		model:    m,
		registry: registry,
		maxSteps: defaultMaxSteps,
		timeout:  defaultTimeout,
	}
	for _, o := range opt {
		o(e)
	}
	return e
}

// Run executes the loop for one user input. A non-empty runID ties the run
// to a recorded run row.
func (e *Executor) Run(ctx context.Context, userInput, runID string) (*ExecutionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "agent.run",
		trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	start := time.Now()
	result := &ExecutionResult{Status: StatusRunning}
	transcript := userInput

	for stepNum := 1; stepNum <= e.maxSteps; stepNum++ {
		if ctx.Err() != nil {
			result.Status = StatusTimeout
			result.Error = "execution timeout"
			result.TotalDurationMS = durationMS(start)
			e.recordFailure(runID, result.Error)
			return result, nil
		}
		response, err := e.model.GenerateContent(ctx, transcript)
		if err != nil {
			if ctx.Err() != nil {
				result.Status = StatusTimeout
				result.Error = "execution timeout"
			} else {
				result.Status = StatusFailed
				result.Error = err.Error()
			}
			result.TotalDurationMS = durationMS(start)
			e.recordFailure(runID, result.Error)
			return result, nil
		}

		thought, action, actionInput, isFinal := parseResponse(response)
		step := ThinkingStep{
			StepNumber:  stepNum,
			Thought:     thought,
			Action:      action,
			ActionInput: actionInput,
			Timestamp:   time.Now(),
		}
		if isFinal {
			result.Steps = append(result.Steps, step)
			e.recordStep(ctx, runID, step)
			result.Status = StatusCompleted
			result.FinalAnswer = thought
			result.TotalDurationMS = durationMS(start)
			e.recordCompletion(runID)
			return result, nil
		}
		if action != "" {
			observation, err := e.registry.Invoke(ctx, action, actionInput)
			if err != nil {
				step.Observation = fmt.Sprintf("Error: %v", err)
			} else {
				step.Observation = fmt.Sprintf("%v", observation)
			}
		}
		result.Steps = append(result.Steps, step)
		e.recordStep(ctx, runID, step)
		transcript = appendStep(transcript, step)
	}

	result.Status = StatusMaxStepsReached
	result.Error = fmt.Sprintf("max steps (%d) reached", e.maxSteps)
	result.TotalDurationMS = durationMS(start)
	e.recordFailure(runID, result.Error)
	return result, nil
}

// parseResponse extracts the thought, action and action input from a model
// response. A Final Answer short-circuits the loop.
func parseResponse(response string) (thought, action string, actionInput map[string]any, isFinal bool) {
	if _, after, found := strings.Cut(response, "Final Answer:"); found {
		return strings.TrimSpace(after), "", nil, true
	}
	if _, after, found := strings.Cut(response, "Thought:"); found {
		thought = after
		if before, _, found := strings.Cut(thought, "Action:"); found {
			thought = before
		}
		thought = strings.TrimSpace(thought)
	}
	if _, after, found := strings.Cut(response, "Action:"); found {
		action = after
		if before, _, found := strings.Cut(action, "Action Input:"); found {
			action = before
		}
		action = strings.TrimSpace(action)
	}
	actionInput = map[string]any{}
	if _, after, found := strings.Cut(response, "Action Input:"); found {
		raw := strings.TrimSpace(after)
		if idx := strings.Index(raw, "\nObservation:"); idx >= 0 {
			raw = strings.TrimSpace(raw[:idx])
		}
		if err := json.Unmarshal([]byte(raw), &actionInput); err != nil {
			actionInput = map[string]any{}
		}
	}
	return thought, action, actionInput, false
}

// appendStep extends the transcript so the next call continues the chain.
func appendStep(transcript string, step ThinkingStep) string {
	var b strings.Builder
	b.WriteString(transcript)
	b.WriteString("\nThought: ")
	b.WriteString(step.Thought)
	if step.Action != "" {
		inputJSON, _ := json.Marshal(step.ActionInput)
		b.WriteString("\nAction: ")
		b.WriteString(step.Action)
		b.WriteString("\nAction Input: ")
		b.Write(inputJSON)
		b.WriteString("\nObservation: ")
		b.WriteString(step.Observation)
	}
	return b.String()
}

func (e *Executor) recordStep(ctx context.Context, runID string, step ThinkingStep) {
	if e.stepRecorder == nil || runID == "" {
		return
	}
	if err := e.stepRecorder.RecordStep(ctx, runID, step); err != nil {
		log.Warnf("agent: record step %d for run %s failed: %v", step.StepNumber, runID, err)
	}
}

func (e *Executor) recordCompletion(runID string) {
	if e.recorder == nil || runID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.recorder.CompleteRun(ctx, runID); err != nil {
		log.Warnf("agent: complete run %s failed: %v", runID, err)
	}
}

func (e *Executor) recordFailure(runID, errMsg string) {
	if e.recorder == nil || runID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.recorder.FailRun(ctx, runID, errMsg); err != nil {
		log.Warnf("agent: fail run %s failed: %v", runID, err)
	}
}

func durationMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
