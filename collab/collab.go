// Package collab talks to the services around the editor: the token
// service that admits a client to a document room, and the code runner.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Team1-2308-Capstone/Umbra/awareness"
)

var (
	ErrCannotJoin = errors.New("umbra: cannot join document")
	ErrRunFailed  = errors.New("umbra: code execution failed")
)

// DefaultDoc is the document joined when none is named.
const DefaultDoc = "default"

const maxResponse = 1 << 20

// ClientToken admits a client to one room of the relay.
type ClientToken struct {
	Token string `json:"token"`
	Room  string `json:"room"`
	// URL of the relay sync endpoint, if the service names one
	URL string `json:"url,omitempty"`
}

type tokenResponse struct {
	ClientToken *ClientToken `json:"clientToken"`
}

type RoomTokens struct {
	// BaseURL of the token service, e.g. http://localhost:3001
	BaseURL string
	Client  *http.Client
}

func client(c *http.Client) *http.Client {
	if c == nil {
		return &http.Client{Timeout: 15 * time.Second}
	}
	return c
}

// Token asks for a token for the document. Any failure means the
// document cannot be joined; the caller should not retry on its own.
func (rt *RoomTokens) Token(ctx context.Context, doc string) (*ClientToken, error) {
	if doc == "" {
		doc = DefaultDoc
	}
	u, err := url.JoinPath(rt.BaseURL, "get-token", url.PathEscape(doc))
	if err != nil {
		return nil, errors.Join(ErrCannotJoin, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Join(ErrCannotJoin, err)
	}
	resp, err := client(rt.Client).Do(req)
	if err != nil {
		return nil, errors.Join(ErrCannotJoin, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: token service answered %s", ErrCannotJoin, resp.Status)
	}
	var tr tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponse)).Decode(&tr); err != nil {
		return nil, errors.Join(ErrCannotJoin, err)
	}
	if tr.ClientToken == nil || tr.ClientToken.Token == "" {
		return nil, fmt.Errorf("%w: no token in the answer", ErrCannotJoin)
	}
	if tr.ClientToken.Room == "" {
		tr.ClientToken.Room = doc
	}
	return tr.ClientToken, nil
}

// Output is what the runner captured. Raw keeps the whole answer for
// runners that reply in another shape.
type Output struct {
	Stdout string          `json:"stdout,omitempty"`
	Stderr string          `json:"stderr,omitempty"`
	Error  string          `json:"error,omitempty"`
	Raw    json.RawMessage `json:"-"`
}

type runRequest struct {
	Code     string             `json:"code"`
	Language awareness.Language `json:"language"`
}

type Runner struct {
	Endpoint string
	Client   *http.Client
}

// Run submits code for execution. An error answer of the runner that
// still carries a JSON body is returned as Output with ErrRunFailed.
func (r *Runner) Run(ctx context.Context, code string, lang awareness.Language) (*Output, error) {
	if !lang.Valid() {
		lang = awareness.LanguageJS
	}
	body, err := json.Marshal(runRequest{Code: code, Language: lang})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client(r.Client).Do(req)
	if err != nil {
		return nil, errors.Join(ErrRunFailed, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return nil, errors.Join(ErrRunFailed, err)
	}
	out := &Output{Raw: raw}
	if jerr := json.Unmarshal(raw, out); jerr != nil && resp.StatusCode/100 == 2 {
		// not our shape; Raw has it all
		out.Stdout = string(raw)
	}
	if resp.StatusCode/100 != 2 {
		return out, fmt.Errorf("%w: runner answered %s", ErrRunFailed, resp.Status)
	}
	return out, nil
}

// String renders the output the way the editor shows it.
func (o *Output) String() string {
	if len(o.Raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if json.Indent(&buf, o.Raw, "", "  ") != nil {
		return string(o.Raw)
	}
	return buf.String()
}
