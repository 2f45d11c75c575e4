package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Success(map[string]string{"id": "a-1"})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.Error)
	assert.Equal(t, map[string]any{"id": "a-1"}, resp.Data)
}

func TestOutputFormatter_Error(t *testing.T) {
	details := map[string]string{"file": "offsync.toml", "key": "sync.jiter"}

	tests := []struct {
		name     string
		format   string
		verbose  bool
		details  any
		contains []string
		absent   []string
	}{
		{
			name:     "text",
			format:   "text",
			contains: []string{"Error [E_CONFIG]: config invalid"},
			absent:   []string{"Details:"},
		},
		{
			name:     "text details hidden without verbose",
			format:   "text",
			details:  details,
			contains: []string{"Error [E_CONFIG]"},
			absent:   []string{"Details:"},
		},
		{
			name:     "text details when verbose",
			format:   "text",
			verbose:  true,
			details:  details,
			contains: []string{"Error [E_CONFIG]", "Details:", "sync.jiter"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			f := &OutputFormatter{Format: tt.format, Writer: buf, Verbose: tt.verbose}
			require.NoError(t, f.Error(CodeConfig, "config invalid", tt.details))

			for _, want := range tt.contains {
				assert.Contains(t, buf.String(), want)
			}
			for _, not := range tt.absent {
				assert.NotContains(t, buf.String(), not)
			}
		})
	}
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	details := []string{"queue.max_attempts: invalid value 0"}
	require.NoError(t, f.Error(CodeInvalid, "invalid configuration", details))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Nil(t, resp.Data)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalid, resp.Error.Code)
	assert.Equal(t, "invalid configuration", resp.Error.Message)
	assert.Equal(t, []any{"queue.max_attempts: invalid value 0"}, resp.Error.Details)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, f.Success("queue compacted"))
	assert.Equal(t, "queue compacted\n", buf.String())
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:  "text",
				Writer:  buf,
				Verbose: tt.verbose,
			}

			formatter.VerboseLog("Processing %s", "offsync.toml")

			if tt.wantLog {
				assert.Contains(t, buf.String(), "Processing offsync.toml")
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestOutputFormatter_VerboseLogUsesErrWriter(t *testing.T) {
	out, diag := &bytes.Buffer{}, &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag, Verbose: true}

	f.VerboseLog("opened %s", "offsync.db")
	require.NoError(t, f.Success(map[string]int{"pending": 3}))

	assert.Equal(t, "opened offsync.db\n", diag.String())

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp), "diagnostics must not corrupt JSON output")
	assert.Equal(t, map[string]any{"pending": float64(3)}, resp.Data)
}

func TestOutputFormatter_Render(t *testing.T) {
	data := map[string]int{"synced": 2}

	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}
	require.NoError(t, f.Render(data, func(w io.Writer) error {
		_, err := fmt.Fprintln(w, "synced 2")
		return err
	}))
	assert.Equal(t, "synced 2\n", buf.String())

	buf.Reset()
	f.Format = "json"
	require.NoError(t, f.Render(data, func(io.Writer) error {
		t.Fatal("text renderer must not run for json")
		return nil
	}))
	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestOutputFormatter_Table(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}
	require.NoError(t, f.Table([]string{"ID", "STATUS"}, [][]string{{"a-1", "pending"}, {"a-22", "synced"}}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "ID    STATUS", lines[0])
	assert.Equal(t, "a-1   pending", lines[1])
	assert.Equal(t, "a-22  synced", lines[2])
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("boom")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad")))
	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitFailure, "inner", errors.New("x")))
	assert.Equal(t, ExitFailure, GetExitCode(wrapped))
	assert.Equal(t, "outer: inner: x", wrapped.Error())
}
