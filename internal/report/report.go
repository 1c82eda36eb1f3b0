// Package report persists action outcomes for audit and log replay.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/andrej220/remexec/internal/execerr"
	"github.com/andrej220/remexec/internal/executor"
)

const (
	DefaultIndent = "    "
	DefaultPrefix = ""
)

type Options struct {
	Overwrite bool
	Prefix    string
	Indent    string
}

type Serializer interface {
	Marshal(data any) ([]byte, error)
}

type Writer interface {
	Write(filename string, data []byte) error
}

type JSONSerializer struct {
	Prefix, Indent string
}

func (s JSONSerializer) Marshal(data any) ([]byte, error) {
	return json.MarshalIndent(data, s.Prefix, s.Indent)
}

type FileWriter struct {
	Overwrite bool
}

func (w FileWriter) Write(filename string, data []byte) error {
	if filename == "" {
		return os.ErrInvalid
	}
	if _, err := os.Stat(filename); !os.IsNotExist(err) && !w.Overwrite {
		return os.ErrExist
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

////////////////////////////////////////////////////////////////////////////////

// Report is the serializable form of an executor.Outcome.
type Report struct {
	ID       string         `json:"id"`
	Action   string         `json:"action"`
	Success  bool           `json:"success"`
	Started  time.Time      `json:"started"`
	Finished time.Time      `json:"finished"`
	Error    *ErrorInfo     `json:"error,omitempty"`
	Results  []TargetReport `json:"results"`
}

type TargetReport struct {
	Target     string     `json:"target"`
	Kind       string     `json:"kind"`
	ExitStatus *int       `json:"exit_status,omitempty"`
	Stdout     []string   `json:"stdout"`
	Stderr     []string   `json:"stderr"`
	Error      *ErrorInfo `json:"error,omitempty"`
	ImageID    string     `json:"image_id,omitempty"`
	Started    time.Time  `json:"started"`
	Finished   time.Time  `json:"finished"`
}

// ErrorInfo names the failure kind and stage next to the message so a
// report can be filtered without parsing text.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}

func errorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{
		Kind:    execerr.KindOf(err).String(),
		Stage:   string(execerr.StageOf(err)),
		Message: err.Error(),
	}
}

// FromOutcome converts out. err is the error Execute returned alongside it.
func FromOutcome(out *executor.Outcome, err error) *Report {
	r := &Report{
		ID:       out.ID.String(),
		Action:   out.Action,
		Success:  out.Success,
		Started:  out.Started,
		Finished: out.Finished,
		Error:    errorInfo(err),
		Results:  make([]TargetReport, 0, len(out.Results)),
	}
	for _, res := range out.Results {
		r.Results = append(r.Results, TargetReport{
			Target:     res.Target.String(),
			Kind:       res.Target.Kind.String(),
			ExitStatus: res.ExitStatus,
			Stdout:     nonNil(res.Stdout),
			Stderr:     nonNil(res.Stderr),
			Error:      errorInfo(res.Err),
			ImageID:    res.ImageID,
			Started:    res.Started,
			Finished:   res.Finished,
		})
	}
	return r
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// WriteJSONToFile persists data to filename using serializer and writer.
func WriteJSONToFile(data any, filename string, serializer Serializer, writer Writer) error {
	if filename == "" {
		return errors.New("empty filename")
	}
	bytes, err := serializer.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to serialize data: %w", err)
	}
	if err := writer.Write(filename, bytes); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	return nil
}

// WriteJSON writes data to filename with default indentation, replacing any
// existing file.
func WriteJSON(data any, filename string, opts ...Options) error {
	opt := Options{Overwrite: true, Prefix: DefaultPrefix, Indent: DefaultIndent}
	if len(opts) > 0 {
		opt = opts[0]
	}
	return WriteJSONToFile(data, filename, JSONSerializer{Prefix: opt.Prefix, Indent: opt.Indent}, FileWriter{Overwrite: opt.Overwrite})
}

// Encode writes the report for out to w.
func Encode(w io.Writer, out *executor.Outcome, err error) error {
	enc := json.NewEncoder(w)
	enc.SetIndent(DefaultPrefix, DefaultIndent)
	return enc.Encode(FromOutcome(out, err))
}
