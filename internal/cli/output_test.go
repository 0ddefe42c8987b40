package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
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

	err := formatter.Success(map[string]int{"merged": 3})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error(CodeDocNotFound, "document not found", DocRef{DocID: "d1"})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeDocNotFound, resp.Error.Code)
	assert.Equal(t, "document not found", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	require.NoError(t, formatter.Success("compacted d1"))
	assert.Contains(t, buf.String(), "compacted d1")
}

func TestOutputFormatter_Report(t *testing.T) {
	text := &bytes.Buffer{}
	require.NoError(t, (&OutputFormatter{Format: "text", Writer: text}).Report("merged 3", map[string]int{"merged": 3}))
	assert.Equal(t, "merged 3\n", text.String())

	js := &bytes.Buffer{}
	require.NoError(t, (&OutputFormatter{Format: "json", Writer: js}).Report("merged 3", map[string]int{"merged": 3}))
	var resp struct {
		Status string         `json:"status"`
		Data   map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal(js.Bytes(), &resp))
	assert.Equal(t, 3, resp.Data["merged"])
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: true,
	}

	require.NoError(t, formatter.Error(CodeDocNotFound, "document not found", DocRef{DocID: "d1"}))
	assert.Contains(t, buf.String(), "Error [E_DOC_NOT_FOUND]")
	assert.Contains(t, buf.String(), "Details:")
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
			errBuf := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:    "json",
				Writer:    buf,
				ErrWriter: errBuf,
				Verbose:   tt.verbose,
			}

			formatter.VerboseLog("loading %s", "d1")

			assert.Empty(t, buf.String(), "diagnostics must not corrupt JSON output")
			if tt.wantLog {
				assert.Contains(t, errBuf.String(), "loading d1")
			} else {
				assert.Empty(t, errBuf.String())
			}
		})
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, CodeConfig, "bad config")))
	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitFailure, CodeStorage, "failed", errors.New("inner")))
	assert.Equal(t, ExitFailure, GetExitCode(wrapped))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))

	err := WrapExitError(ExitCommandError, CodeStorage, "failed to open database", errors.New("disk"))
	assert.Equal(t, "failed to open database: disk", err.Error())
	assert.EqualError(t, errors.Unwrap(err), "disk")
}

func TestOutputFormatter_FailCarriesErrorCode(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Fail(fmt.Errorf("inspect: %w", docNotFound("board"))))

	var resp struct {
		Status string `json:"status"`
		Error  struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Details DocRef `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, CodeDocNotFound, resp.Error.Code)
	assert.Equal(t, "document not found: board", resp.Error.Message)
	assert.Equal(t, "board", resp.Error.Details.DocID)
}

func TestOutputFormatter_FailPlainError(t *testing.T) {
	buf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf, ErrWriter: errBuf}

	require.NoError(t, formatter.Fail(errors.New("accepts 1 arg(s), received 0")))
	assert.Empty(t, buf.String())
	assert.Equal(t, "Error [E_CONFIG]: accepts 1 arg(s), received 0\n", errBuf.String())
}

func TestOutputFormatter_FailSkipsReportedErrors(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	failed := scenariosFailed(2)
	failed.reported = true
	require.NoError(t, formatter.Fail(failed))
	assert.Empty(t, buf.String())
	assert.Equal(t, CodeTestFailed, failed.Kind)
}
