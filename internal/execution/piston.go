package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxResponseBytes = 4 << 20

// PistonClient talks to a Piston compatible code execution API.
type PistonClient struct {
	baseURL string
	http    *http.Client
}

func NewPistonClient(baseURL string, httpClient *http.Client) *PistonClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &PistonClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

type pistonFile struct {
	Content string `json:"content"`
}

type pistonRequest struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Files    []pistonFile `json:"files"`
	Stdin    string       `json:"stdin"`
}

type pistonStage struct {
	Stdout string  `json:"stdout"`
	Stderr string  `json:"stderr"`
	Output *string `json:"output"`
	Code   *int    `json:"code"`
	Signal *string `json:"signal"`
}

type pistonResponse struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Run      *pistonStage `json:"run"`
	Compile  *pistonStage `json:"compile"`
	Message  string       `json:"message"`
}

// Runtime is one language/version pair the backend can execute.
type Runtime struct {
	Language string   `json:"language"`
	Version  string   `json:"version"`
	Aliases  []string `json:"aliases"`
}

func (c *PistonClient) Execute(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(pistonRequest{
		Language: req.Language,
		Version:  req.Version,
		Files:    []pistonFile{{Content: req.Code}},
		Stdin:    req.Stdin,
	})
	if err != nil {
		return Result{}, newError(CodeInvalidRequest, "encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return Result{}, newError(CodeInvalidRequest, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	data, err := c.do(httpReq)
	if err != nil {
		return Result{}, err
	}

	var resp pistonResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Result{}, newError(CodeMalformedResponse, "decode execute response", err)
	}
	if resp.Run == nil {
		return Result{}, newError(CodeMalformedResponse, "execute response has no run stage", nil)
	}

	result := Result{
		Language: resp.Language,
		Version:  resp.Version,
		Stdout:   resp.Run.Stdout,
		Stderr:   resp.Run.Stderr,
		ExitCode: resp.Run.Code,
	}
	if resp.Run.Output != nil {
		result.Output = *resp.Run.Output
	} else {
		result.Output = resp.Run.Stdout + resp.Run.Stderr
	}
	// A failed compile never reaches the run stage; surface the compiler output.
	if resp.Compile != nil && resp.Compile.Code != nil && *resp.Compile.Code != 0 && result.Output == "" {
		if resp.Compile.Output != nil {
			result.Output = *resp.Compile.Output
		} else {
			result.Output = resp.Compile.Stderr
		}
	}
	return result, nil
}

func (c *PistonClient) Runtimes(ctx context.Context) ([]Runtime, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/runtimes", nil)
	if err != nil {
		return nil, newError(CodeInvalidRequest, "build request", err)
	}

	data, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}

	var runtimes []Runtime
	if err := json.Unmarshal(data, &runtimes); err != nil {
		return nil, newError(CodeMalformedResponse, "decode runtimes", err)
	}
	return runtimes, nil
}

func (c *PistonClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(req.Context(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransport(req.Context(), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var failure pistonResponse
		message := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &failure) == nil && failure.Message != "" {
			message = failure.Message
		}
		return nil, newError(CodeBadStatus, fmt.Sprintf("executor returned %d: %s", resp.StatusCode, message), nil)
	}
	return data, nil
}
