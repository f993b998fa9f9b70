package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// BaseURLFunc resolves the admin API base URL, e.g. "http://127.0.0.1:7000".
type BaseURLFunc func() string

var httpClient = &http.Client{Timeout: 5 * time.Minute}

// getJSON issues a GET and returns the response body, failing on non-2xx.
func getJSON(url string) ([]byte, error) {
	resp, err := httpClient.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return readBody(resp)
}

// postJSON issues a POST with a JSON body and returns the response body.
func postJSON(url string, body interface{}) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return readBody(resp)
}

func readBody(resp *http.Response) ([]byte, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return nil, fmt.Errorf("%s", resp.Status)
	}
	return raw, nil
}

// printJSON re-indents a JSON body for terminal output. Bodies that fail to
// parse are printed verbatim.
func printJSON(w io.Writer, raw []byte) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Fprintln(w, string(bytes.TrimSpace(raw)))
		return
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(w, string(bytes.TrimSpace(raw)))
		return
	}
	fmt.Fprintln(w, string(out))
}
